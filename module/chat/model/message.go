package model

import (
	"IMSync/tools/decode"
)

// Message is one entry of a conversation transcript. The id is assigned by
// the remote store on append and never reused; edits rewrite text and
// timestamp in place under the same id.
type Message struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"created_at"`  // unix ms; bumped on edit
	SenderID   string `json:"sender_id"`   // sender user id
	SenderName string `json:"sender_name"` // display name snapshot taken at send time
}

// MessageFields is the payload half of a message, the part that travels in
// feed events and store writes. The id rides next to it, not inside it.
type MessageFields struct {
	Text       string `json:"text"`
	CreatedAt  int64  `json:"created_at"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
}

func (f MessageFields) Map() map[string]any {
	return map[string]any{
		"text":        f.Text,
		"created_at":  f.CreatedAt,
		"sender_id":   f.SenderID,
		"sender_name": f.SenderName,
	}
}

// MessageFromFields builds a Message out of an event's id + field map.
func MessageFromFields(id string, fields map[string]any) (*Message, error) {
	f, err := decode.Fields[MessageFields](fields)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:         id,
		Text:       f.Text,
		CreatedAt:  f.CreatedAt,
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
	}, nil
}
