package model

import (
	"IMSync/tools/decode"
)

// PresenceRecord is the `users/<id>` projection: identity snapshot plus
// liveness. While Online is true LastSeen may be stale; once Online flips
// false LastSeen holds the most recent known disconnect time. LastSeen == 0
// means the user was never observed going offline.
type PresenceRecord struct {
	UserID      string `json:"-"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"last_seen"` // unix ms, 0 = unset
}

func (r PresenceRecord) Map() map[string]any {
	return map[string]any{
		"display_name": r.DisplayName,
		"avatar_url":   r.AvatarURL,
		"online":       r.Online,
		"last_seen":    r.LastSeen,
	}
}

// PresenceFromFields builds a PresenceRecord out of an event's id + field map.
func PresenceFromFields(userID string, fields map[string]any) (*PresenceRecord, error) {
	r, err := decode.Fields[PresenceRecord](fields)
	if err != nil {
		return nil, err
	}
	r.UserID = userID
	return r, nil
}
