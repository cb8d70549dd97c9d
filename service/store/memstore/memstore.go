package memstore

import (
	"context"
	"sync"
	"time"

	"IMSync/service/store"
	"IMSync/tools/errs"
	"IMSync/tools/ids"
)

// MemStore is a single-process Store used by tests and local runs. Delivery
// is synchronous and in mutation order, which keeps scenarios deterministic.
type MemStore struct {
	mu       sync.Mutex
	children map[string]map[string]map[string]any // path -> id -> fields
	order    map[string][]string                  // per-path insertion order, for replay
	subs     map[string][]*memSub
	actions  []pendingAction
	closed   bool
}

type pendingAction struct {
	path   string
	id     string
	fields map[string]any
}

type memSub struct {
	s         *MemStore
	path      string
	h         store.Handler
	cancelled bool
}

func (ms *memSub) Cancel() {
	ms.s.mu.Lock()
	ms.cancelled = true
	ms.s.mu.Unlock()
}

func New() *MemStore {
	return &MemStore{
		children: make(map[string]map[string]map[string]any),
		order:    make(map[string][]string),
		subs:     make(map[string][]*memSub),
	}
}

func (s *MemStore) Subscribe(ctx context.Context, path string, h store.Handler) (store.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.ErrRemoteOperation.WrapMsg("store closed")
	}
	sub := &memSub{s: s, path: path, h: h}
	s.subs[path] = append(s.subs[path], sub)

	// snapshot for replay outside the lock
	replay := make([]store.Event, 0, len(s.order[path]))
	for _, id := range s.order[path] {
		if fields, ok := s.children[path][id]; ok {
			replay = append(replay, store.Event{Kind: store.EventCreated, ID: id, Fields: cloneFields(fields)})
		}
	}
	s.mu.Unlock()

	for _, ev := range replay {
		h(ev)
	}
	return sub, nil
}

func (s *MemStore) Append(ctx context.Context, path string, fields map[string]any) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errs.ErrRemoteOperation.WrapMsg("store closed")
	}
	fields = store.ResolveTimestamps(fields, time.Now().UnixMilli())
	id := ids.GenerateString()
	if s.children[path] == nil {
		s.children[path] = make(map[string]map[string]any)
	}
	s.children[path][id] = cloneFields(fields)
	s.order[path] = append(s.order[path], id)
	targets := s.deliveryList(path)
	s.mu.Unlock()

	s.deliver(targets, store.Event{Kind: store.EventCreated, ID: id, Fields: cloneFields(fields)})
	return id, nil
}

// PatchFields merges fields into the child, creating it when absent; the
// resulting event kind reflects which of the two happened.
func (s *MemStore) PatchFields(ctx context.Context, path, id string, fields map[string]any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrRemoteOperation.WrapMsg("store closed")
	}
	fields = store.ResolveTimestamps(fields, time.Now().UnixMilli())
	kind := store.EventUpdated
	if s.children[path] == nil {
		s.children[path] = make(map[string]map[string]any)
	}
	cur, ok := s.children[path][id]
	if !ok {
		cur = make(map[string]any)
		s.children[path][id] = cur
		s.order[path] = append(s.order[path], id)
		kind = store.EventCreated
	}
	for k, v := range fields {
		cur[k] = v
	}
	full := cloneFields(cur)
	targets := s.deliveryList(path)
	s.mu.Unlock()

	s.deliver(targets, store.Event{Kind: kind, ID: id, Fields: full})
	return nil
}

func (s *MemStore) Remove(ctx context.Context, path, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.ErrRemoteOperation.WrapMsg("store closed")
	}
	if _, ok := s.children[path][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.children[path], id)
	for i, v := range s.order[path] {
		if v == id {
			s.order[path] = append(s.order[path][:i], s.order[path][i+1:]...)
			break
		}
	}
	targets := s.deliveryList(path)
	s.mu.Unlock()

	s.deliver(targets, store.Event{Kind: store.EventRemoved, ID: id})
	return nil
}

func (s *MemStore) RegisterDisconnectAction(ctx context.Context, path, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrRemoteOperation.WrapMsg("store closed")
	}
	// re-registration for the same child replaces the queued action
	for i := range s.actions {
		if s.actions[i].path == path && s.actions[i].id == id {
			s.actions[i].fields = cloneFields(fields)
			return nil
		}
	}
	s.actions = append(s.actions, pendingAction{path: path, id: id, fields: cloneFields(fields)})
	return nil
}

// Disconnect simulates the connection dropping without Close: every queued
// disconnect action is committed through the normal patch path, then cleared.
func (s *MemStore) Disconnect() {
	s.mu.Lock()
	pending := s.actions
	s.actions = nil
	s.mu.Unlock()

	for _, a := range pending {
		_ = s.PatchFields(context.Background(), a.path, a.id, a.fields)
	}
}

// Close is the graceful sign-out path: queued disconnect actions are
// discarded, not fired.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.actions = nil
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.cancelled = true
		}
	}
	return nil
}

// deliveryList snapshots the live subscribers of a path; caller holds mu.
func (s *MemStore) deliveryList(path string) []*memSub {
	out := make([]*memSub, 0, len(s.subs[path]))
	for _, sub := range s.subs[path] {
		if !sub.cancelled {
			out = append(out, sub)
		}
	}
	return out
}

func (s *MemStore) deliver(targets []*memSub, ev store.Event) {
	for _, sub := range targets {
		s.mu.Lock()
		cancelled := sub.cancelled
		s.mu.Unlock()
		if cancelled {
			continue
		}
		sub.h(ev)
	}
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
