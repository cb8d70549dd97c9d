package store

import (
	"context"
)

// EventKind discriminates the three child event kinds a feed delivers.
type EventKind int

const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one child notification: which child, what happened, and the
// child's fields (nil for removals).
type Event struct {
	Kind   EventKind      `json:"kind"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Handler consumes feed events. Handlers must not block; they run on the
// feed's delivery goroutine.
type Handler func(Event)

// Subscription is a live feed hookup. Cancel releases it; after Cancel
// returns no further events are delivered through this subscription.
type Subscription interface {
	Cancel()
}

// Store is the remote collaborator: a collection-of-children tree addressed
// by path, with push notifications per path. Paths in use are UsersPath()
// and ConversationPath(key).
//
// Subscribe replays the path's current children as created events before
// (or interleaved with) live delivery; consumers are expected to treat
// redelivered creates as idempotent.
type Store interface {
	Subscribe(ctx context.Context, path string, h Handler) (Subscription, error)
	Append(ctx context.Context, path string, fields map[string]any) (string, error)
	PatchFields(ctx context.Context, path, id string, fields map[string]any) error
	Remove(ctx context.Context, path, id string) error

	// RegisterDisconnectAction queues a PatchFields(path, id, fields) that
	// the store commits on its own if this client drops without Close.
	// The registration does not survive a disconnect; re-register per session.
	RegisterDisconnectAction(ctx context.Context, path, id string, fields map[string]any) error

	Close() error
}

// ServerTimestamp is a placeholder field value: implementations replace it
// with the commit-time unix-millisecond clock. Disconnect actions use it so
// a "went offline" record carries the actual drop time, not the time the
// action was registered.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// IsServerTimestamp reports whether a field value is the placeholder.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// ResolveTimestamps returns a copy of fields with every ServerTimestamp
// replaced by nowMS. Shared by store implementations at commit time.
func ResolveTimestamps(fields map[string]any, nowMS int64) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = nowMS
			continue
		}
		out[k] = v
	}
	return out
}

func UsersPath() string { return "users" }

func ConversationPath(key string) string { return "conversations/" + key }
