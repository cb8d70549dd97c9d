package chat

import (
	"encoding/json"
	"time"

	"IMSync/module/chat/model"
	"IMSync/module/chat/presence"
)

// command ops accepted over the socket
const (
	OpSelectPeer = "select_peer"
	OpInput      = "input"
	OpSubmit     = "submit"
	OpStartEdit  = "start_edit"
	OpCancelEdit = "cancel_edit"
	OpDelete     = "delete"
	OpRename     = "rename"
)

// state frame types pushed to the client
const (
	FrameTranscript = "transcript"
	FramePresence   = "presence"
	FrameError      = "error"
)

// Command is one inbound frame: an op plus whichever arguments it takes.
type Command struct {
	Op   string `json:"op"`
	Peer string `json:"peer,omitempty"`
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// PresenceView is a presence record shaped for rendering: the last-seen
// timestamp is already formatted, online users read "online".
type PresenceView struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    string `json:"last_seen"`
}

func viewOf(r model.PresenceRecord, now time.Time) PresenceView {
	v := PresenceView{
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
		Online:      r.Online,
	}
	if r.Online {
		v.LastSeen = "online"
	} else {
		v.LastSeen = presence.FormatLastSeen(now, r.LastSeen)
	}
	return v
}

// StateFrame is one outbound frame.
type StateFrame struct {
	Type     string          `json:"type"`
	Peer     string          `json:"peer,omitempty"`
	Messages []model.Message `json:"messages,omitempty"`
	Users    []PresenceView  `json:"users,omitempty"`
	Code     int             `json:"code,omitempty"`
	Msg      string          `json:"msg,omitempty"`
}

func transcriptFrame(peer string, msgs []model.Message) StateFrame {
	return StateFrame{Type: FrameTranscript, Peer: peer, Messages: msgs}
}

func presenceFrame(records []model.PresenceRecord, now time.Time) StateFrame {
	users := make([]PresenceView, 0, len(records))
	for _, r := range records {
		users = append(users, viewOf(r, now))
	}
	return StateFrame{Type: FramePresence, Users: users}
}

func errorFrame(code int, msg string) StateFrame {
	return StateFrame{Type: FrameError, Code: code, Msg: msg}
}
