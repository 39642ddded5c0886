// Package room implements RoomController: team assignment, readiness,
// abortable countdown, and atomic promotion of a room into a running
// game. Grounded on the original's Room/RoomController classes
// (cgf/Room.py via original_source), re-expressed with the teacher's
// mutex-guarded single-writer aggregate idiom.
package room

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/chatlog"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/idgen"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/store"
)

// Sender is anything a room can push a server-to-client frame to. The
// lobby/session packages adapt a ClientSession's writer to this.
type Sender interface {
	Send(v any) error
}

// Member is one client currently resident in the room.
type Member struct {
	UID    string
	Conn   Sender
	Team   int // -1 == unassigned
	Ready  bool
}

// Controller is the single mutable aggregate backing one Room. All
// mutation is funneled through mu; no suspension point (persistence,
// broadcast) may occur while holding it for longer than assembling the
// snapshot to send.
type Controller struct {
	mu sync.Mutex

	room  model.Room
	admin *admin.Control
	chat  *chatlog.ChatLog
	store store.Store
	cfg   config.RoomTiming

	members      map[string]*Member
	game         *model.GameSession
	lastEmptyAt  time.Time
	hasBeenEmpty bool
}

// New constructs a Controller for a freshly created room. Callers are
// responsible for ScopeRegistry registration (uniqueness of r.Name is
// a registry concern, not this controller's).
func New(r model.Room, ctl *admin.Control, chat *chatlog.ChatLog, st store.Store, cfg config.RoomTiming) *Controller {
	return &Controller{
		room:    r,
		admin:   ctl,
		chat:    chat,
		store:   st,
		cfg:     cfg,
		members: make(map[string]*Member),
	}
}

func (c *Controller) Name() string { return c.room.Name }
func (c *Controller) Lobby() string { return c.room.Lobby }

// Snapshot returns a copy of the underlying Room document, safe to
// serialize into ROOM_INFO.
func (c *Controller) Snapshot() model.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

var (
	ErrKicked        = fmt.Errorf("room: player is kicked")
	ErrRoomFull      = fmt.Errorf("room: player limit reached")
	ErrGameStarted   = fmt.Errorf("room: game already started without you")
	ErrNotOnTeam     = fmt.Errorf("room: must join a team first")
	ErrBadTeam       = fmt.Errorf("room: invalid team number")
	ErrForbidden     = fmt.Errorf("room: forbidden")
	ErrTooEarly      = fmt.Errorf("room: can't join the game early")
	ErrNoCountdown   = fmt.Errorf("room: no countdown scheduled")
	ErrAlreadyInRoom = fmt.Errorf("room: already joined")
)

// Join runs the entry checks and adds uid as an observer-without-team
// member. Returns ErrAlreadyInRoom (a warning-class, not state
// changing) if uid is already resident.
func (c *Controller) Join(uid string, conn Sender) error {
	c.mu.Lock()
	if c.admin != nil && c.admin.IsKicked(uid) {
		c.mu.Unlock()
		return ErrKicked
	}
	if _, already := c.members[uid]; already {
		c.mu.Unlock()
		return ErrAlreadyInRoom
	}
	if c.game != nil {
		if c.game.TeamOf(uid) < 0 {
			c.mu.Unlock()
			return ErrGameStarted
		}
	} else if len(c.members) >= c.room.PlayerLimit {
		c.mu.Unlock()
		return ErrRoomFull
	}

	c.members[uid] = &Member{UID: uid, Conn: conn, Team: -1}
	c.hasBeenEmpty = false
	c.mu.Unlock()

	if c.admin != nil {
		c.admin.AssignFirstAdmin(uid)
	}
	c.Broadcast(map[string]any{"type": "ROOM_UPDATE", "payload": map[string]any{"uid": uid, "event": "joined"}})
	return nil
}

// Leave removes uid from the room roster. Idempotent.
func (c *Controller) Leave(uid string) {
	c.mu.Lock()
	_, existed := c.members[uid]
	delete(c.members, uid)
	if len(c.members) == 0 && (c.game == nil) {
		c.hasBeenEmpty = true
		c.lastEmptyAt = time.Now()
	}
	c.mu.Unlock()

	if existed {
		c.Broadcast(map[string]any{"type": "ROOM_UPDATE", "payload": map[string]any{"uid": uid, "event": "left"}})
	}
}

// JoinTeam assigns uid to teamN, clearing its ready flag. While a
// force-started countdown is active, only mods may change teams.
func (c *Controller) JoinTeam(uid string, teamN int) error {
	c.mu.Lock()
	m, ok := c.members[uid]
	if !ok {
		c.mu.Unlock()
		return ErrNotOnTeam
	}
	if teamN < 0 || teamN >= c.room.NTeams {
		c.mu.Unlock()
		return ErrBadTeam
	}
	if c.countdownActive() && c.room.GameStartForced && !c.admin.IsMod(uid) {
		c.mu.Unlock()
		return ErrForbidden
	}

	m.Team = teamN
	m.Ready = false
	c.mu.Unlock()

	c.Broadcast(map[string]any{"type": "PLAYER_JOINED_TEAM", "payload": map[string]any{"uid": uid, "team": teamN}})
	c.Broadcast(map[string]any{"type": "ROOM_UPDATE", "payload": map[string]any{"uid": uid, "event": "team_changed"}})
	return nil
}

// MarkReady updates uid's ready flag. A ready->not-ready transition
// before game_start_time aborts an active unforced countdown, or a
// force-started one if the actor is a mod.
func (c *Controller) MarkReady(uid string, ready bool) (aborted bool, err error) {
	c.mu.Lock()
	m, ok := c.members[uid]
	if !ok {
		c.mu.Unlock()
		return false, ErrNotOnTeam
	}
	if m.Team < 0 {
		c.mu.Unlock()
		return false, ErrNotOnTeam
	}

	wasReady := m.Ready
	m.Ready = ready

	if wasReady && !ready && c.countdownActive() {
		if c.room.GameStartForced && !c.admin.IsMod(uid) {
			// Ignored: force-started countdowns resist non-mod aborts.
			m.Ready = true
			c.mu.Unlock()
			return false, nil
		}
		c.abortCountdown()
		c.mu.Unlock()
		c.Broadcast(map[string]any{"type": "PLAYER_READY", "payload": map[string]any{"uid": uid, "ready": false}})
		c.Broadcast(map[string]any{"type": "GAME_START_ABORT", "payload": map[string]any{}})
		return true, nil
	}

	started, dur := c.maybeStartCountdown()
	startTime := c.room.GameStartTime
	c.mu.Unlock()

	c.Broadcast(map[string]any{"type": "PLAYER_READY", "payload": map[string]any{"uid": uid, "ready": ready}})
	if started {
		c.Broadcast(map[string]any{"type": "GAME_STARTING_AT", "payload": map[string]any{"start_time": startTime, "wait_time": dur.Seconds()}})
	}
	return false, nil
}

// IsKicked reports whether uid has been kicked from this room. The
// read loop consults this at every message boundary so an already
// resident, already-kicked client is expelled at its next read.
func (c *Controller) IsKicked(uid string) bool {
	if c.admin == nil {
		return false
	}
	return c.admin.IsKicked(uid)
}

func (c *Controller) countdownActive() bool {
	return c.room.GameStartTime > model.NotScheduled && c.room.IsOpen == false && c.game == nil
}

// ReadyCount returns |{m : m.Ready}|, matching testable invariant 1.
func (c *Controller) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.members {
		if m.Ready {
			n++
		}
	}
	return n
}

// maybeStartCountdown implements the countdown condition: every
// client ready, every team populated, and no countdown scheduled yet.
// Caller must hold mu. Reports whether it started the countdown, and
// for how long, so the caller can broadcast GAME_STARTING_AT once mu
// is released.
func (c *Controller) maybeStartCountdown() (started bool, dur time.Duration) {
	if c.room.GameStartTime > model.NotScheduled {
		return false, 0
	}
	if len(c.members) == 0 {
		return false, 0
	}
	readyCount := 0
	teamCounts := make([]int, c.room.NTeams)
	for _, m := range c.members {
		if !m.Ready {
			return false, 0
		}
		readyCount++
		if m.Team >= 0 {
			teamCounts[m.Team]++
		}
	}
	if readyCount != len(c.members) {
		return false, 0
	}
	for _, n := range teamCounts {
		if n == 0 {
			return false, 0
		}
	}
	return true, c.startCountdownLocked(false)
}

func (c *Controller) startCountdownLocked(forced bool) time.Duration {
	dur := c.cfg.CountdownDuration
	if dur <= 0 {
		dur = 5 * time.Second
	}
	c.room.GameStartTime = time.Now().Add(dur).Unix()
	c.room.IsOpen = false
	c.room.GameStartForced = forced
	return dur
}

func (c *Controller) abortCountdown() {
	c.room.GameStartTime = model.NotScheduled
	c.room.IsOpen = true
	c.room.GameStartForced = false
}

// ForceStart is mod-only; it starts the countdown immediately
// regardless of readiness, flagged so only mods can later abort it.
func (c *Controller) ForceStart(actorUID string) error {
	c.mu.Lock()
	if !c.admin.IsMod(actorUID) {
		c.mu.Unlock()
		return ErrForbidden
	}
	if c.room.GameStartTime > model.NotScheduled {
		c.mu.Unlock()
		return nil
	}
	dur := c.startCountdownLocked(true)
	startTime := c.room.GameStartTime
	c.mu.Unlock()

	c.Broadcast(map[string]any{"type": "GAME_STARTING_AT", "payload": map[string]any{"start_time": startTime, "wait_time": dur.Seconds()}})
	return nil
}

// JoinGameNow is the first call after now >= game_start_time; it
// constructs the GameSession if one does not already exist and
// returns it so the caller can hand the client off to GameController.
// A call more than JoinEarlyTolerance before game_start_time is
// refused with ErrTooEarly.
func (c *Controller) JoinGameNow(uid string, now time.Time) (*model.GameSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.room.GameStartTime <= model.NotScheduled {
		return nil, ErrNoCountdown
	}
	tolerance := c.cfg.JoinEarlyTolerance
	if now.Unix() < c.room.GameStartTime && time.Unix(c.room.GameStartTime, 0).Sub(now) > tolerance {
		return nil, ErrTooEarly
	}

	if c.game != nil {
		return c.game, nil
	}

	teams := make([][]string, c.room.NTeams)
	for _, m := range c.members {
		if m.Team >= 0 {
			teams[m.Team] = append(teams[m.Team], m.UID)
		}
	}
	order := rand.Perm(c.room.NTeams)

	var players []string
	for _, ti := range order {
		players = append(players, teams[ti]...)
	}

	suffix, err := idgen.UID(6)
	if err != nil {
		return nil, fmt.Errorf("generating game session name: %w", err)
	}
	g := &model.GameSession{
		Name:       c.room.Name + "-" + suffix,
		Room:       c.room.Name,
		Lobby:      c.room.Lobby,
		Players:    players,
		Teams:      teams,
		TeamOrder:  order,
		MapList:    append([]string(nil), c.room.MapList...),
		Admins:     append([]string(nil), c.room.Admins...),
		Mods:       append([]string(nil), c.room.Mods...),
		CreationTS: float64(now.Unix()),
	}
	c.game = g
	c.room.IsOpen = false
	return g, nil
}

// IsEmpty reports whether the room currently has no resident clients
// (in the room itself; game-scope residency is tracked separately by
// GameController and does not keep the room "non-empty").
func (c *Controller) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members) == 0
}

// ShouldRetireEmpty reports whether the room has been empty for at
// least EmptyRetireAfter.
func (c *Controller) ShouldRetireEmpty(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasBeenEmpty || len(c.members) != 0 {
		return false
	}
	after := c.cfg.EmptyRetireAfter
	if after <= 0 {
		after = 120 * time.Second
	}
	return now.Sub(c.lastEmptyAt) >= after
}

// ShouldRetireAge reports whether the room is older than
// MaxAgeRetireAfter, per the periodic sweep.
func (c *Controller) ShouldRetireAge(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	maxAge := c.cfg.MaxAgeRetireAfter
	if maxAge <= 0 {
		maxAge = 6 * time.Hour
	}
	return now.Sub(time.Unix(int64(c.room.CreationTS), 0)) >= maxAge
}

// Retire marks the room permanently closed. Once set, is_retired
// never reverts.
func (c *Controller) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room.IsOpen = false
	c.room.IsRetired = true
}

func (c *Controller) IsRetired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room.IsRetired
}

// Members returns a stable snapshot of resident connections, for
// broadcast fan-out.
func (c *Controller) Members() []*Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	return out
}

// Broadcast sends v to every resident member, best-effort — a failed
// write only affects that one connection.
func (c *Controller) Broadcast(v any) {
	for _, m := range c.Members() {
		_ = m.Conn.Send(v)
	}
}

// MapSupplier is the subset of MapProvider a room needs to fund
// itself: an async stream of maps matching the room's filter.
type MapSupplier interface {
	GetSomeMaps(ctx context.Context, n, minSecs, maxSecs, maxDifficulty int) <-chan model.Map
}

// ResolveMapList drains MapsRequired maps from mp matching the room's
// configured filter and fills map_list, matching the random-map
// provisioning pipeline's hand-off to a freshly created room.
func (c *Controller) ResolveMapList(ctx context.Context, mp MapSupplier) {
	c.mu.Lock()
	n, minSecs, maxSecs, maxDifficulty := c.room.MapsRequired, c.room.MinSecs, c.room.MaxSecs, c.room.MaxDifficulty
	c.mu.Unlock()

	var ids []string
	for m := range mp.GetSomeMaps(ctx, n, minSecs, maxSecs, maxDifficulty) {
		ids = append(ids, m.TrackID)
	}

	c.mu.Lock()
	c.room.MapList = ids
	c.mu.Unlock()
}

// Persist saves the current Room document, matching the
// asynchronous-persistence convention: callers typically invoke this
// in a goroutine after a mutation.
func (c *Controller) Persist(ctx context.Context) error {
	c.mu.Lock()
	if c.admin != nil {
		c.room.KickedPlayers = c.admin.Kicked()
	}
	snap := c.room
	c.mu.Unlock()

	if err := c.store.Upsert(ctx, store.CollectionRoom, snap.Name, snap); err != nil {
		return fmt.Errorf("persisting room %s: %w", snap.Name, err)
	}
	return nil
}

// ListTeams returns each team's member uids, for LIST_TEAMS.
func (c *Controller) ListTeams() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	teams := make([][]string, c.room.NTeams)
	for _, m := range c.members {
		if m.Team >= 0 {
			teams[m.Team] = append(teams[m.Team], m.UID)
		}
	}
	return teams
}

// ListReadyStatus returns the ready flag per resident uid, for
// LIST_READY_STATUS.
func (c *Controller) ListReadyStatus() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.members))
	for uid, m := range c.members {
		out[uid] = m.Ready
	}
	return out
}

// ListPlayers returns each resident's uid/team/ready, for LIST_PLAYERS.
func (c *Controller) ListPlayers() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, map[string]any{"uid": m.UID, "team": m.Team, "ready": m.Ready})
	}
	return out
}

// PushInfo broadcasts ROOM_INFO, LIST_TEAMS and LIST_READY_STATUS to
// every resident, driven by the periodic sweep in cmd/lobbyserver.
func (c *Controller) PushInfo() {
	c.Broadcast(map[string]any{"type": "ROOM_INFO", "payload": c.Snapshot()})
	c.Broadcast(map[string]any{"type": "LIST_TEAMS", "payload": map[string]any{"teams": c.ListTeams()}})
	c.Broadcast(map[string]any{"type": "LIST_READY_STATUS", "payload": map[string]any{"ready": c.ListReadyStatus()}})
}

// sendTo writes v to uid's connection only, if uid is currently
// resident; a miss is not an error.
func (c *Controller) sendTo(uid string, v any) error {
	c.mu.Lock()
	m, ok := c.members[uid]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Conn.Send(v)
}

// DispatchResult reports the outcome of one Dispatch call.
type DispatchResult struct {
	Leave       bool
	GameSession *model.GameSession
}

// Dispatch routes one validated message to the matching room
// operation. It is the room scope's process_msg coordinator: admin
// ops go to AdminControl, SEND_CHAT goes to ChatLog, everything else
// is room-specific.
func (c *Controller) Dispatch(ctx context.Context, uid string, msg model.Message) (DispatchResult, error) {
	switch {
	case msg.Type == "LEAVE":
		c.Leave(uid)
		return DispatchResult{Leave: true}, nil
	case msg.Type == "JOIN_TEAM":
		n, _ := payloadInt(msg.Payload, "team_n")
		return DispatchResult{}, c.JoinTeam(uid, n)
	case msg.Type == "MARK_READY":
		ready, _ := msg.Payload["ready"].(bool)
		_, err := c.MarkReady(uid, ready)
		return DispatchResult{}, err
	case msg.Type == "FORCE_START":
		return DispatchResult{}, c.ForceStart(uid)
	case msg.Type == "LIST_PLAYERS":
		return DispatchResult{}, c.sendTo(uid, map[string]any{"type": "LIST_PLAYERS", "payload": map[string]any{"players": c.ListPlayers()}})
	case msg.Type == "JOIN_GAME_NOW":
		g, err := c.JoinGameNow(uid, time.Now())
		if err != nil {
			return DispatchResult{}, err
		}
		return DispatchResult{GameSession: g}, nil
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
	case c.admin != nil && admin.IsAdminMessage(msg.Type):
		return DispatchResult{}, c.admin.Dispatch(uid, msg.Type, msg.Payload)
	default:
		return DispatchResult{}, nil
	}
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
