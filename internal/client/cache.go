package client

import (
	"sync"

	"github.com/lumizhao/sparkchat/internal/chat"
)

// Cache holds locally rendered conversation views keyed by conversation id.
// Everything going in or out is deep-copied, so a snapshot taken before an
// optimistic update restores the exact pre-update state on rollback.
type Cache struct {
	mu    sync.Mutex
	views map[string]*chat.Conversation
}

func NewCache() *Cache {
	return &Cache{views: make(map[string]*chat.Conversation)}
}

// Get returns a copy of the cached view, or nil when the conversation has
// not been loaded.
func (c *Cache) Get(id string) *chat.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneConversation(c.views[id])
}

func (c *Cache) Put(id string, conv *chat.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[id] = cloneConversation(conv)
}

// Append merges new messages into the cached view. Used for the optimistic
// update: the merged content matches byte-for-byte what the server will
// append, so a later refresh does not flicker or duplicate.
func (c *Cache) Append(id string, msgs ...chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.views[id]
	if view == nil {
		return
	}
	for _, m := range msgs {
		view.History = append(view.History, cloneMessage(m))
	}
}

// Snapshot captures the current view for a later Restore.
func (c *Cache) Snapshot(id string) *chat.Conversation {
	return c.Get(id)
}

// Restore puts a snapshot back verbatim, discarding anything written since.
func (c *Cache) Restore(id string, snap *chat.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap == nil {
		delete(c.views, id)
		return
	}
	c.views[id] = cloneConversation(snap)
}

func cloneConversation(conv *chat.Conversation) *chat.Conversation {
	if conv == nil {
		return nil
	}
	out := *conv
	out.History = make([]chat.Message, len(conv.History))
	for i, m := range conv.History {
		out.History[i] = cloneMessage(m)
	}
	return &out
}

func cloneMessage(m chat.Message) chat.Message {
	out := m
	out.Parts = append([]chat.Part(nil), m.Parts...)
	if m.Img != nil {
		img := *m.Img
		out.Img = &img
	}
	return out
}
