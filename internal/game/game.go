// Package game implements GameController: the durable ordered event
// log, entry replay, and per-type event classification for a running
// GameSession. Grounded on the original's Game/GameController classes
// (cgf/Game.py via original_source).
package game

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/chatlog"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/store"
)

// Sender is anything the game can push a server-to-client frame to.
type Sender interface {
	Send(v any) error
}

// Member is one client resident in the game scope.
type Member struct {
	UID  string
	Conn Sender
	Team int // -1 == observer
}

// Controller is the single mutable aggregate backing one GameSession.
type Controller struct {
	mu sync.Mutex

	session model.GameSession
	admin   *admin.Control
	chat    *chatlog.ChatLog
	store   store.Store

	members map[string]*Member
	log     []model.Message
}

func New(g model.GameSession, ctl *admin.Control, chat *chatlog.ChatLog, st store.Store) *Controller {
	return &Controller{
		session: g,
		admin:   ctl,
		chat:    chat,
		store:   st,
		members: make(map[string]*Member),
	}
}

func (c *Controller) Name() string { return c.session.Name }

// Snapshot returns a copy of the underlying GameSession document.
func (c *Controller) Snapshot() model.GameSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Enter admits uid, recovering its team from the frozen team layout
// (uids absent from every team are admitted as observers), then sends
// the fixed entry sequence: ADMIN_MOD_STATUS, PLAYER_LIST,
// GAME_INFO_FULL, MAPS_INFO_FULL, a PLAYER_JOINED broadcast to
// others, and finally the full replay bounded by GAME_REPLAY_START /
// GAME_REPLAY_END.
func (c *Controller) Enter(uid string, conn Sender) {
	c.mu.Lock()
	team := c.session.TeamOf(uid)
	c.members[uid] = &Member{UID: uid, Conn: conn, Team: team}
	replay := append([]model.Message(nil), c.log...)
	snap := c.session
	others := c.otherMembersLocked(uid)
	c.mu.Unlock()

	_ = conn.Send(map[string]any{
		"type": "ADMIN_MOD_STATUS",
		"payload": map[string]any{
			"admins": c.admin.Admins(),
			"mods":   c.admin.Mods(),
		},
	})
	_ = conn.Send(map[string]any{
		"type":    "PLAYER_LIST",
		"payload": map[string]any{"players": snap.Players},
	})
	_ = conn.Send(map[string]any{
		"type":    "GAME_INFO_FULL",
		"payload": snap,
	})
	_ = conn.Send(map[string]any{
		"type":    "MAPS_INFO_FULL",
		"payload": map[string]any{"map_list": snap.MapList},
	})

	for _, m := range others {
		_ = m.Conn.Send(map[string]any{
			"type":    "PLAYER_JOINED",
			"payload": map[string]any{"uid": uid, "team": team},
		})
	}

	_ = conn.Send(map[string]any{
		"type":    "GAME_REPLAY_START",
		"payload": map[string]any{"n_msgs": len(replay)},
	})
	for _, msg := range replay {
		_ = conn.Send(msg)
	}
	_ = conn.Send(map[string]any{"type": "GAME_REPLAY_END", "payload": map[string]any{}})
}

func (c *Controller) otherMembersLocked(exceptUID string) []*Member {
	out := make([]*Member, 0, len(c.members))
	for uid, m := range c.members {
		if uid != exceptUID {
			out = append(out, m)
		}
	}
	return out
}

// Leave removes uid from the game scope. A leaving client does not
// retire the game: it remains open so the client may rejoin.
func (c *Controller) Leave(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, uid)
}

// EventClass categorizes an incoming message type for §4.7 dispatch.
type EventClass int

const (
	ClassIgnored EventClass = iota
	ClassLeave
	ClassChat
	ClassAdmin
	ClassGameplay
	ClassMapLifecycle
	ClassVoteReroll
)

var mapLifecycleTypes = map[string]bool{
	"ENTER_MAP": true, "LEAVE_MAP": true, "CP_TIME": true, "FINAL_TIME": true,
}

var voteRerollTypes = map[string]bool{
	"MAP_REROLL_VOTE_START": true, "MAP_REROLL_VOTE_SUBMIT": true, "MOD_MAP_REROLL": true,
}

// Classify maps a message type to its event class.
func Classify(msgType string) EventClass {
	switch {
	case msgType == "LEAVE":
		return ClassLeave
	case msgType == "SEND_CHAT":
		return ClassChat
	case admin.IsAdminMessage(msgType):
		return ClassAdmin
	case strings.HasPrefix(msgType, "G_"):
		return ClassGameplay
	case mapLifecycleTypes[msgType]:
		return ClassMapLifecycle
	case voteRerollTypes[msgType]:
		return ClassVoteReroll
	default:
		return ClassIgnored
	}
}

// Append adds msg to game_msgs with seq = len(game_msgs) before
// append, persists it, and broadcasts it to all resident clients in
// append order. Append-assign-seq-persist-broadcast is serialized by mu.
func (c *Controller) Append(ctx context.Context, msg model.Message) (model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := len(c.log)
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	msg.Payload["seq"] = seq
	msg.ScopeType = "game"
	msg.ScopeName = c.session.Name
	c.log = append(c.log, msg)
	c.session.GameMsgs = append(c.session.GameMsgs, fmt.Sprintf("%s/%d", c.session.Name, seq))
	members := c.otherMembersLocked("")

	id := fmt.Sprintf("%s/%d", c.session.Name, seq)
	if err := c.store.Insert(ctx, store.CollectionMessage, id, msg); err != nil {
		return msg, fmt.Errorf("persisting game message %s: %w", id, err)
	}
	for _, m := range members {
		_ = m.Conn.Send(msg)
	}
	return msg, nil
}

// HandleMessage dispatches one validated incoming message per its
// class. It returns leave=true if the caller should pop the game
// scope for this client.
func (c *Controller) HandleMessage(ctx context.Context, uid string, msg model.Message) (leave bool, err error) {
	switch Classify(msg.Type) {
	case ClassLeave:
		c.Leave(uid)
		return true, nil
	case ClassChat:
		content, verr := chatlog.ValidateChatPayload(msg.Payload)
		if verr != nil {
			return false, verr
		}
		msg.Payload = map[string]any{"content": content}
		msg.TS = chatlog.Now()
		return false, c.chat.Append(ctx, msg)
	case ClassAdmin:
		return false, c.admin.Dispatch(uid, msg.Type, msg.Payload)
	case ClassGameplay, ClassMapLifecycle:
		_, err := c.Append(ctx, msg)
		return false, err
	case ClassVoteReroll:
		if msg.Type == "MOD_MAP_REROLL" && !c.admin.IsMod(uid) {
			return false, fmt.Errorf("game: %w", admin.ErrForbidden)
		}
		_, err := c.Append(ctx, msg)
		return false, err
	default:
		return false, nil
	}
}

// Persist saves the current GameSession document.
func (c *Controller) Persist(ctx context.Context) error {
	snap := c.Snapshot()
	if err := c.store.Upsert(ctx, store.CollectionGame, snap.Name, snap); err != nil {
		return fmt.Errorf("persisting game %s: %w", snap.Name, err)
	}
	return nil
}

// IsEmpty reports whether no clients are currently resident.
func (c *Controller) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members) == 0
}

// Now is the server-assigned timestamp helper shared with chatlog.
func Now() float64 { return float64(time.Now().Unix()) }
