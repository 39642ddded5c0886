// Package chatlog implements ChatLog: a per-scope durable append-only
// chat container with a bounded in-memory recent window. Grounded on
// the original's HasChats mixin (cgf/Client.py).
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/store"
)

// ErrInvalidChatPayload is returned when a SEND_CHAT payload does not
// match {"content": <string, len<=1024>}.
var ErrInvalidChatPayload = errors.New("chatlog: invalid chat payload")

// ChatLog is one persistent container keyed by (containerType, name).
// It is a mutable aggregate: all mutation goes through a single
// mutex-guarded writer.
type ChatLog struct {
	mu            sync.Mutex
	containerType string
	name          string
	store         store.Store
	recent        []model.Message
}

func New(st store.Store, containerType, name string) *ChatLog {
	return &ChatLog{store: st, containerType: containerType, name: name}
}

// ValidateChatPayload enforces payload.keys == {"content"} and
// content is a string of length <= 1024.
func ValidateChatPayload(payload map[string]any) (string, error) {
	if len(payload) != 1 {
		return "", ErrInvalidChatPayload
	}
	raw, ok := payload["content"]
	if !ok {
		return "", ErrInvalidChatPayload
	}
	content, ok := raw.(string)
	if !ok || len(content) > model.ChatContentMaxLen {
		return "", ErrInvalidChatPayload
	}
	return content, nil
}

// Append adds msg to the persistent store and to the in-memory tail,
// trimming the tail to at most model.RecentChatWindow entries. The
// trim guard is "len(recent) > 19 before append", preserved from the
// original's HasChats.on_chat_msg so the post-append invariant is
// exactly len(recent) <= 20.
func (c *ChatLog) Append(ctx context.Context, msg model.Message) error {
	c.mu.Lock()
	if len(c.recent) > 19 {
		c.recent = c.recent[1:]
	}
	c.recent = append(c.recent, msg)
	c.mu.Unlock()

	id := fmt.Sprintf("%s/%s/%.6f", c.containerType, c.name, msg.TS)
	msg.ScopeType = c.containerType
	msg.ScopeName = c.name
	if err := c.store.Insert(ctx, store.CollectionChatMessages, id, msg); err != nil {
		return fmt.Errorf("persisting chat message in %s/%s: %w", c.containerType, c.name, err)
	}
	return nil
}

// Recent returns the in-memory tail in chronological order.
func (c *ChatLog) Recent() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.recent))
	copy(out, c.recent)
	return out
}

// Now returns the server-assigned timestamp used to stamp a new
// Message, matching the "ts (server-assigned seconds)" field.
func Now() float64 {
	return float64(time.Now().Unix())
}
