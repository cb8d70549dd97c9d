package sync

import (
	"context"
	gosync "sync"

	"IMSync/global"
	"IMSync/module/chat/convkey"
	"IMSync/module/chat/model"
	"IMSync/service/store"
	"IMSync/tools/errs"
)

// editState is the single pending edit: which message, and the text being
// typed for it. At most one exists at a time.
type editState struct {
	id  string
	buf string
}

// Controller binds the active conversation for one user session and owns the
// composition state machine. The UI reads Input()/Transcript() and issues
// commands; it never mutates engine state directly.
//
// The compose box is shared: while an edit is pending the box holds the edit
// buffer and Submit commits to Edit, not Send. The draft of the unsent new
// message is kept aside and restored when the edit finishes or is cancelled.
type Controller struct {
	sess global.UserSession
	rec  *Reconciler

	mu      gosync.Mutex
	peerID  string
	compose string
	editing *editState
}

func NewController(sess global.UserSession, st store.Store) *Controller {
	return &Controller{
		sess: sess,
		rec:  NewReconciler(st),
	}
}

// Reconciler exposes the underlying reconciler, e.g. for wiring OnChange.
func (c *Controller) Reconciler() *Reconciler { return c.rec }

func (c *Controller) Session() global.UserSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// SetDisplayName updates the name stamped onto subsequently sent messages.
// Already-sent messages keep their snapshot.
func (c *Controller) SetDisplayName(name string) {
	c.mu.Lock()
	c.sess.DisplayName = name
	c.mu.Unlock()
}

// SelectPeer switches the active conversation to the one shared with peerID.
// The previous feed is released before the new one is opened; composition
// state is reset since it referred to the old conversation.
func (c *Controller) SelectPeer(ctx context.Context, peerID string) error {
	c.mu.Lock()
	self := c.sess.UserID
	if !convkey.IsValidID(peerID) || peerID == self {
		c.mu.Unlock()
		return errs.ErrArgs.WrapMsg("select peer", "peer", peerID)
	}
	if peerID == c.peerID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.rec.Open(ctx, convkey.Derive(self, peerID)); err != nil {
		return err
	}

	c.mu.Lock()
	c.peerID = peerID
	c.compose = ""
	c.editing = nil
	c.mu.Unlock()
	return nil
}

// Peer returns the selected peer id, or "" before the first selection.
func (c *Controller) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Input returns what the shared input box currently holds: the pending edit
// buffer if an edit is in progress, the compose draft otherwise.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing != nil {
		return c.editing.buf
	}
	return c.compose
}

// SetInput writes the input box content into whichever buffer is active.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing != nil {
		c.editing.buf = text
		return
	}
	c.compose = text
}

// Editing returns the id of the message being edited, or "".
func (c *Controller) Editing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return ""
	}
	return c.editing.id
}

// StartEdit puts a message into edit mode, loading its current text into the
// input box. Any other pending edit is silently replaced.
func (c *Controller) StartEdit(id string) error {
	msg, ok := c.rec.Get(id)
	if !ok {
		return errs.ErrRecordNotFound.WrapMsg("start edit", "id", id)
	}
	c.mu.Lock()
	c.editing = &editState{id: id, buf: msg.Text}
	c.mu.Unlock()
	return nil
}

// CancelEdit abandons the pending edit; the compose draft reappears in the
// input box untouched.
func (c *Controller) CancelEdit() {
	c.mu.Lock()
	c.editing = nil
	c.mu.Unlock()
}

// Submit commits the input box: the pending edit if one is in progress, a
// new message otherwise. Buffers are cleared only on success, so a rejected
// submit leaves the user's typing in place.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	editing := c.editing
	compose := c.compose
	sess := c.sess
	c.mu.Unlock()

	if editing != nil {
		if err := c.rec.Edit(ctx, editing.id, editing.buf); err != nil {
			return err
		}
		c.mu.Lock()
		if c.editing != nil && c.editing.id == editing.id {
			c.editing = nil
		}
		c.mu.Unlock()
		return nil
	}

	if err := c.rec.Send(ctx, compose, sess.UserID, sess.DisplayName); err != nil {
		return err
	}
	c.mu.Lock()
	c.compose = ""
	c.mu.Unlock()
	return nil
}

// DeleteMessage retires a message. Deleting the message currently being
// edited also cancels the edit.
func (c *Controller) DeleteMessage(ctx context.Context, id string) error {
	if err := c.rec.Delete(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	if c.editing != nil && c.editing.id == id {
		c.editing = nil
	}
	c.mu.Unlock()
	return nil
}

// Transcript returns the current conversation snapshot.
func (c *Controller) Transcript() []model.Message {
	return c.rec.Transcript()
}

// Close releases the conversation feed.
func (c *Controller) Close() {
	c.rec.Close()
	c.mu.Lock()
	c.peerID = ""
	c.compose = ""
	c.editing = nil
	c.mu.Unlock()
}
