// Package lobby implements LobbyController: MainLobby and every game
// lobby nested under it (same type; ParentLobby distinguishes), room
// creation/lookup/join-by-code, and the periodic LOBBY_INFO push.
// Grounded on the original's Lobby/LobbyController classes
// (cgf/Lobby.py via original_source).
package lobby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/chatlog"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/idgen"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/registry"
	"github.com/cgf/raceserver/internal/room"
	"github.com/cgf/raceserver/internal/store"
)

// Sender is anything a lobby can push a server-to-client frame to.
type Sender interface {
	Send(v any) error
}

var (
	ErrNameTaken     = fmt.Errorf("lobby: name already taken")
	ErrNotFound      = fmt.Errorf("lobby: not found")
	ErrNotMainLobby  = fmt.Errorf("lobby: operation only valid from MainLobby")
	ErrBadRoomParams = fmt.Errorf("lobby: invalid room parameters")
	ErrRoomPrivate   = fmt.Errorf("lobby: room is not public")
)

// Controller is the single mutable aggregate backing one Lobby
// (MainLobby or a game lobby). Room lifecycle (creation, retirement)
// is mutated under mu; RoomController instances themselves own their
// own finer-grained locking.
type Controller struct {
	mu sync.Mutex

	lobby  model.Lobby
	admin  *admin.Control
	chat   *chatlog.ChatLog
	store  store.Store
	reg    *registry.Registry
	rooms  map[string]*room.Controller
	members map[string]Sender
}

func New(l model.Lobby, ctl *admin.Control, chat *chatlog.ChatLog, st store.Store, reg *registry.Registry) *Controller {
	return &Controller{
		lobby:   l,
		admin:   ctl,
		chat:    chat,
		store:   st,
		reg:     reg,
		rooms:   make(map[string]*room.Controller),
		members: make(map[string]Sender),
	}
}

func (c *Controller) Name() string { return c.lobby.Name }

func (c *Controller) Snapshot() model.Lobby {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobby
}

// Enter admits uid, auto-assigning it as the lobby's first admin if
// none exists yet.
func (c *Controller) Enter(uid string, conn Sender) {
	c.mu.Lock()
	c.members[uid] = conn
	c.mu.Unlock()
	c.admin.AssignFirstAdmin(uid)
}

// Leave removes uid from the lobby roster. Idempotent.
func (c *Controller) Leave(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, uid)
}

// CreateLobby is only valid from MainLobby; fails if name is taken
// (case-exact, enforced by the ScopeRegistry).
func (c *Controller) CreateLobby(name string) (*Controller, error) {
	if !c.lobby.IsMainLobby() {
		return nil, ErrNotMainLobby
	}
	uid, err := idgen.UID(10)
	if err != nil {
		return nil, fmt.Errorf("creating lobby %s: %w", name, err)
	}
	parent := model.MainLobbyName
	child := model.Lobby{
		UID:         uid,
		Name:        name,
		ParentLobby: &parent,
		CreationTS:  float64(time.Now().Unix()),
	}
	childCtl := New(child, admin.New(nil, nil, nil), chatlog.New(c.store, "lobby", name), c.store, c.reg)
	if err := c.reg.RegisterLobby(name, childCtl); err != nil {
		return nil, fmt.Errorf("creating lobby %s: %w", name, ErrNameTaken)
	}
	return childCtl, nil
}

// JoinLobby is only valid from MainLobby; resolves name via the
// registry for hand-off.
func (c *Controller) JoinLobby(name string) (*Controller, error) {
	if !c.lobby.IsMainLobby() {
		return nil, ErrNotMainLobby
	}
	h, ok := c.reg.Lobby(name)
	if !ok {
		return nil, ErrNotFound
	}
	ctl, ok := h.(*Controller)
	if !ok {
		return nil, ErrNotFound
	}
	return ctl, nil
}

// LobbySummary is one row of LIST_LOBBIES.
type LobbySummary struct {
	Name       string `json:"name"`
	NClients   int    `json:"n_clients"`
	IsPublic   bool   `json:"is_public"`
}

// ListLobbies returns a snapshot of every registered game lobby
// (MainLobby itself is excluded, matching "game lobbies catalog").
func (c *Controller) ListLobbies() []LobbySummary {
	var out []LobbySummary
	for _, name := range c.reg.LobbyNames() {
		h, ok := c.reg.Lobby(name)
		if !ok {
			continue
		}
		ctl, ok := h.(*Controller)
		if !ok || ctl.lobby.IsMainLobby() {
			continue
		}
		ctl.mu.Lock()
		out = append(out, LobbySummary{Name: ctl.lobby.Name, NClients: len(ctl.members), IsPublic: ctl.lobby.IsPublic})
		ctl.mu.Unlock()
	}
	return out
}

// RoomParams is the validated input to CreateRoom.
type RoomParams struct {
	Name          string
	PlayerLimit   int
	NTeams        int
	MapsRequired  int
	MinSecs       int
	MaxSecs       int
	MaxDifficulty int
	GameOpts      map[string]string
}

// ValidateGameOpts rejects any payload.game_opts value that is not a
// plain string (no nesting, no non-scalars).
func ValidateGameOpts(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("game_opts[%s]: %w", k, ErrBadRoomParams)
		}
		out[k] = s
	}
	return out, nil
}

// CreateRoom clamps numeric fields, validates cross-field
// constraints, appends the disambiguating suffix, persists, registers
// and returns the new RoomController so the caller can hand the
// creator off and broadcast NEW_ROOM.
func (c *Controller) CreateRoom(p RoomParams, timing config.RoomTiming) (*room.Controller, error) {
	playerLimit := model.ClampPlayerLimit(p.PlayerLimit)
	nTeams := model.ClampNTeams(p.NTeams)
	mapsRequired := model.ClampMapsRequired(p.MapsRequired)
	minSecs := model.ClampSecs(p.MinSecs)
	maxSecs := model.ClampSecs(p.MaxSecs)
	maxDifficulty := model.ClampDifficulty(p.MaxDifficulty)

	if nTeams > playerLimit {
		return nil, ErrBadRoomParams
	}
	if maxSecs < minSecs {
		return nil, ErrBadRoomParams
	}

	suffix, err := idgen.RoomSuffix()
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	joinCode, err := idgen.JoinCode()
	if err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}

	r := model.Room{
		Name:          p.Name + suffix,
		Lobby:         c.lobby.Name,
		IsPublic:      true,
		IsOpen:        true,
		JoinCode:      joinCode,
		PlayerLimit:   playerLimit,
		NTeams:        nTeams,
		MapsRequired:  mapsRequired,
		MinSecs:       minSecs,
		MaxSecs:       maxSecs,
		MaxDifficulty: maxDifficulty,
		GameStartTime: model.NotScheduled,
		GameOpts:      p.GameOpts,
		CreationTS:    float64(time.Now().Unix()),
	}

	roomCtl := room.New(r, admin.New(nil, nil, nil), chatlog.New(c.store, "room", r.Name), c.store, timing)
	if err := c.reg.RegisterRoom(r.Name, roomCtl); err != nil {
		return nil, fmt.Errorf("creating room %s: %w", r.Name, err)
	}

	c.mu.Lock()
	c.rooms[r.Name] = roomCtl
	c.mu.Unlock()

	if err := roomCtl.Persist(context.Background()); err != nil {
		slog.Warn("persisting new room failed", "room", r.Name, "err", err)
	}

	return roomCtl, nil
}

// JoinRoom hands off to an existing public room in this lobby.
func (c *Controller) JoinRoom(name string) (*room.Controller, error) {
	c.mu.Lock()
	r, ok := c.rooms[name]
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Snapshot().IsPublic {
		return nil, ErrRoomPrivate
	}
	return r, nil
}

// JoinCode looks a room up by its 6-char join code in durable
// storage; the room must still be live in the registry.
func (c *Controller) JoinCode(ctx context.Context, code string) (*room.Controller, error) {
	var r model.Room
	if err := c.store.FindOneByField(ctx, store.CollectionRoom, "join_code", code, &r); err != nil {
		return nil, ErrNotFound
	}
	h, ok := c.reg.Room(r.Name)
	if !ok {
		return nil, ErrNotFound
	}
	ctl, ok := h.(*room.Controller)
	if !ok {
		return nil, ErrNotFound
	}
	return ctl, nil
}

// Broadcast sends v to every resident member, best-effort.
func (c *Controller) Broadcast(v any) {
	c.mu.Lock()
	conns := make([]Sender, 0, len(c.members))
	for _, conn := range c.members {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Send(v)
	}
}

// PushInfo broadcasts LOBBY_INFO to every resident, driven by the
// periodic sweep in cmd/lobbyserver.
func (c *Controller) PushInfo() {
	c.Broadcast(map[string]any{"type": "LOBBY_INFO", "payload": c.Snapshot()})
}

// DeregisterRoom drops name from this lobby's room table, used by the
// retirement sweep once a room has been retired and unregistered from
// the ScopeRegistry.
func (c *Controller) DeregisterRoom(name string) {
	c.mu.Lock()
	delete(c.rooms, name)
	c.mu.Unlock()
}

// Persist saves the current Lobby document.
func (c *Controller) Persist(ctx context.Context) error {
	snap := c.Snapshot()
	if err := c.store.Upsert(ctx, store.CollectionLobby, snap.UID, snap); err != nil {
		return fmt.Errorf("persisting lobby %s: %w", snap.Name, err)
	}
	return nil
}

// DispatchResult reports the outcome of one Dispatch call.
type DispatchResult struct {
	Leave        bool
	Info         string
	HandOffLobby *Controller
	HandOffRoom  *room.Controller
}

// Dispatch routes one validated message to the matching lobby
// operation: the lobby scope's process_msg coordinator.
func (c *Controller) Dispatch(ctx context.Context, uid string, msg model.Message, timing config.RoomTiming) (DispatchResult, error) {
	switch {
	case msg.Type == "LEAVE":
		c.Leave(uid)
		return DispatchResult{Leave: true}, nil
	case msg.Type == "CREATE_LOBBY":
		name, _ := msg.Payload["name"].(string)
		if _, err := c.CreateLobby(name); err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{Info: fmt.Sprintf("Lobby named %s created successfully.", name)}, nil
	case msg.Type == "JOIN_LOBBY":
		name, _ := msg.Payload["name"].(string)
		target, err := c.JoinLobby(name)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{HandOffLobby: target}, nil
	case msg.Type == "LIST_LOBBIES":
		return DispatchResult{}, nil
	case msg.Type == "CREATE_ROOM":
		return c.dispatchCreateRoom(msg, timing)
	case msg.Type == "JOIN_ROOM":
		name, _ := msg.Payload["name"].(string)
		r, err := c.JoinRoom(name)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{HandOffRoom: r}, nil
	case msg.Type == "JOIN_CODE":
		code, _ := msg.Payload["code"].(string)
		r, err := c.JoinCode(ctx, code)
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{HandOffRoom: r}, nil
	case msg.Type == "SEND_CHAT":
		content, err := chatlog.ValidateChatPayload(msg.Payload)
		if err != nil {
			return DispatchResult{}, err
		}
		msg.Payload = map[string]any{"content": content}
		msg.TS = chatlog.Now()
		if err := c.chat.Append(ctx, msg); err != nil {
			return DispatchResult{}, err
		}
		c.Broadcast(msg)
		return DispatchResult{}, nil
	case admin.IsAdminMessage(msg.Type):
		return DispatchResult{}, c.admin.Dispatch(uid, msg.Type, msg.Payload)
	default:
		return DispatchResult{}, nil
	}
}

func (c *Controller) dispatchCreateRoom(msg model.Message, timing config.RoomTiming) (DispatchResult, error) {
	name, _ := msg.Payload["name"].(string)
	playerLimit, _ := payloadInt(msg.Payload, "player_limit")
	nTeams, _ := payloadInt(msg.Payload, "n_teams")
	mapsRequired, _ := payloadInt(msg.Payload, "maps_required")
	minSecs, _ := payloadInt(msg.Payload, "min_secs")
	maxSecs, _ := payloadInt(msg.Payload, "max_secs")
	maxDifficulty, _ := payloadInt(msg.Payload, "max_difficulty")

	var opts map[string]string
	if raw, ok := msg.Payload["game_opts"].(map[string]any); ok {
		validated, err := ValidateGameOpts(raw)
		if err != nil {
			return DispatchResult{}, err
		}
		opts = validated
	}

	r, err := c.CreateRoom(RoomParams{
		Name: name, PlayerLimit: playerLimit, NTeams: nTeams, MapsRequired: mapsRequired,
		MinSecs: minSecs, MaxSecs: maxSecs, MaxDifficulty: maxDifficulty, GameOpts: opts,
	}, timing)
	if err != nil {
		return DispatchResult{}, err
	}
	c.Broadcast(map[string]any{"type": "NEW_ROOM", "payload": map[string]any{"name": r.Name()}})
	return DispatchResult{HandOffRoom: r}, nil
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
