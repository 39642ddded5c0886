// Package session implements ClientSession: the per-connection
// driver that owns framing, the login handshake, scope tracking,
// resumption, and the read loop that threads one client through
// MainLobby -> Lobby -> Room -> Game. Grounded on the original's
// Client/ClientSession (cgf/Client.py via original_source), adapted
// to the teacher's per-connection goroutine idiom.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/chatlog"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/game"
	"github.com/cgf/raceserver/internal/identity"
	"github.com/cgf/raceserver/internal/idgen"
	"github.com/cgf/raceserver/internal/lobby"
	"github.com/cgf/raceserver/internal/mapprovider"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/protocol"
	"github.com/cgf/raceserver/internal/registry"
	"github.com/cgf/raceserver/internal/room"
	"github.com/cgf/raceserver/internal/store"
)

// Deps bundles the collaborators injected into every Session, matching
// spec §4.11's "cross-cutting collaborators injected by scope type".
type Deps struct {
	Store       store.Store
	Directory   *identity.Directory
	Registry    *registry.Registry
	MapProvider *mapprovider.Provider
	RoomTiming  config.RoomTiming
	Auth        config.Auth
	Version     string
}

// frame is one level of the scope stack.
type frame struct {
	level model.ScopeLevel
	name  string
	lob   *lobby.Controller
	rm    *room.Controller
	gm    *game.Controller
}

func (f frame) scopeString() string {
	return fmt.Sprintf("%d|%s", f.level, f.name)
}

// Session is the per-connection driver.
type Session struct {
	conn      net.Conn
	deps      Deps
	sessionID string

	user  model.User
	stack []frame
}

// New wraps an accepted connection. The caller is responsible for
// registering/unregistering the session in deps.Registry around Run.
func New(conn net.Conn, deps Deps) *Session {
	sid, err := idgen.UID(8)
	if err != nil {
		sid = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return &Session{conn: conn, deps: deps, sessionID: sid}
}

// Send marshals v to JSON and writes it as one frame.
func (s *Session) Send(v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling outbound frame: %w", err)
	}
	return protocol.WriteFrame(s.conn, buf)
}

// Run drives the connection end to end: initial server push, login
// handshake, resumption, and the read loop. It returns when the
// connection closes or an unrecoverable error occurs; all errors are
// already handled internally (logged, reported to the client) except
// for genuine transport failures, which are returned so the caller
// can close out bookkeeping.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Send(map[string]any{"server": map[string]any{
		"version":   s.deps.Version,
		"n_clients": s.deps.Registry.ClientCount() + 1,
	}}); err != nil {
		return err
	}

	if err := s.handshake(ctx); err != nil {
		return err
	}

	s.resume(ctx)

	stopPush := s.startPeriodicPush(ctx)
	defer stopPush()

	return s.readLoop(ctx)
}

func (s *Session) handshake(ctx context.Context) error {
	raw, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return fmt.Errorf("reading handshake frame: %w", err)
	}
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		_ = s.Send(map[string]any{"error": "Login failed"})
		return errors.New("session: malformed handshake")
	}

	switch msg.Type {
	case "LOGIN_TOKEN":
		token, _ := msg.Payload["t"].(string)
		tr, err := s.deps.Directory.VerifyToken(ctx, token)
		if err != nil {
			_ = s.Send(map[string]any{"error": "Login failed"})
			return fmt.Errorf("verifying token: %w", err)
		}
		u, err := s.deps.Directory.GetOrRegisterByToken(ctx, tr)
		if err != nil {
			_ = s.Send(map[string]any{"error": "Login failed"})
			return fmt.Errorf("registering user: %w", err)
		}
		s.deps.Directory.LoginTouch(ctx, &u)
		s.user = u
		return s.Send(map[string]any{
			"type": "LOGGED_IN", "uid": u.UID, "account_id": tr.AccountID, "display_name": tr.DisplayName,
		})
	case "LOGIN":
		if !s.deps.Auth.EnableLegacyAuth {
			_ = s.Send(map[string]any{"error": "Login failed"})
			return errors.New("session: legacy auth disabled")
		}
		uid, _ := msg.Payload["uid"].(string)
		name, _ := msg.Payload["name"].(string)
		secret, _ := msg.Payload["secret"].(string)
		u, err := s.deps.Directory.AuthenticateLegacy(ctx, uid, name, secret)
		if err != nil {
			_ = s.Send(map[string]any{"error": "Login failed"})
			return fmt.Errorf("legacy auth: %w", err)
		}
		s.deps.Directory.LoginTouch(ctx, &u)
		s.user = u
		return s.Send(map[string]any{"type": "LOGGED_IN", "uid": u.UID})
	case "REGISTER":
		if !s.deps.Auth.EnableLegacyAuth {
			_ = s.Send(map[string]any{"error": "Login failed"})
			return errors.New("session: legacy auth disabled")
		}
		name, _ := msg.Payload["name"].(string)
		wsid, _ := msg.Payload["wsid"].(string)
		u, err := s.deps.Directory.RegisterLegacy(ctx, name, wsid)
		if err != nil {
			_ = s.Send(map[string]any{"error": "Login failed"})
			return fmt.Errorf("legacy register: %w", err)
		}
		s.user = u
		return s.Send(map[string]any{"type": "REGISTERED", "uid": u.UID, "secret": u.Secret})
	default:
		_ = s.Send(map[string]any{"error": "Login failed"})
		return fmt.Errorf("session: unexpected handshake type %q", msg.Type)
	}
}

// resume enters MainLobby and then, if the user was seen within the
// resumption window, pushes the lobby or room named by the last_scope
// the user had at login, if it is still live. Only that one scope is
// pushed on top of MainLobby: the lobby above a resumed room is not
// entered, and a game-level last_scope is not resumed (the session
// stays in MainLobby).
func (s *Session) resume(ctx context.Context) {
	lastScope := s.user.LastScope
	main := s.mainLobbyFrame()
	s.stack = []frame{main}
	s.enter(ctx, main)

	if lastScope == "" {
		return
	}
	if time.Since(time.Unix(int64(s.user.LastSeen), 0)) > s.deps.Auth.ResumptionWindow {
		return
	}

	var level int
	var name string
	if _, err := fmt.Sscanf(lastScope, "%d|%s", &level, &name); err != nil {
		return
	}
	switch model.ScopeLevel(level) {
	case model.ScopeLobby:
		h, ok := s.deps.Registry.Lobby(name)
		if !ok {
			return
		}
		lob, ok := h.(*lobby.Controller)
		if !ok {
			return
		}
		s.pushLobby(ctx, lob)
	case model.ScopeRoom:
		h, ok := s.deps.Registry.Room(name)
		if !ok {
			return
		}
		rm, ok := h.(*room.Controller)
		if !ok {
			return
		}
		s.pushRoom(ctx, rm)
	case model.ScopeGame:
		// Not resumed: the registry indexes live games only by
		// GameKey{Room, Lobby}, and name here is the game's own name.
		// Nothing else in the server re-enters a game on login.
	}
}

func (s *Session) mainLobbyFrame() frame {
	h, ok := s.deps.Registry.Lobby(model.MainLobbyName)
	if !ok {
		return frame{}
	}
	lob := h.(*lobby.Controller)
	return frame{level: model.ScopeMainLobby, name: model.MainLobbyName, lob: lob}
}

func (s *Session) enter(ctx context.Context, f frame) {
	switch {
	case f.lob != nil:
		f.lob.Enter(s.user.UID, s)
	case f.rm != nil:
		_ = f.rm.Join(s.user.UID, s)
	case f.gm != nil:
		f.gm.Enter(s.user.UID, s)
	}
	_ = s.Send(map[string]any{"scope": f.scopeString()})
	s.deps.Directory.SetLastScope(&s.user, f.scopeString())
}

func (s *Session) pushLobby(ctx context.Context, lob *lobby.Controller) {
	level := model.ScopeLobby
	if lob.Snapshot().IsMainLobby() {
		level = model.ScopeMainLobby
	}
	f := frame{level: level, name: lob.Name(), lob: lob}
	s.stack = append(s.stack, f)
	s.enter(ctx, f)
}

func (s *Session) pushRoom(ctx context.Context, rm *room.Controller) {
	f := frame{level: model.ScopeRoom, name: rm.Name(), rm: rm}
	s.stack = append(s.stack, f)
	s.enter(ctx, f)
}

func (s *Session) pushGame(ctx context.Context, gm *game.Controller) {
	f := frame{level: model.ScopeGame, name: gm.Name(), gm: gm}
	s.stack = append(s.stack, f)
	s.enter(ctx, f)
}

func (s *Session) pop() {
	cur := s.top()
	switch {
	case cur.lob != nil:
		cur.lob.Leave(s.user.UID)
	case cur.rm != nil:
		cur.rm.Leave(s.user.UID)
	case cur.gm != nil:
		cur.gm.Leave(s.user.UID)
	}
	if len(s.stack) > 1 {
		s.stack = s.stack[:len(s.stack)-1]
	}
}

func (s *Session) top() frame {
	return s.stack[len(s.stack)-1]
}

// readLoop reads one validated message at a time and hands it to the
// current scope's dispatcher. A LEAVE pops one scope level.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		raw, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) || errors.Is(err, io.EOF) {
				s.cleanup()
				return nil
			}
			s.cleanup()
			return fmt.Errorf("session read loop: %w", err)
		}

		if cur := s.top(); cur.rm != nil && cur.rm.IsKicked(s.user.UID) {
			cur.rm.Leave(s.user.UID)
			_ = s.Send(map[string]any{"error": "You have been kicked from this room."})
			return errors.New("session: kicked from room")
		}

		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			_ = s.Send(map[string]any{"error": err.Error()})
			continue
		}
		msg.From = &model.UserRef{UID: s.user.UID}

		if err := s.deps.Store.Insert(ctx, store.CollectionMessage, fmt.Sprintf("%s/%d", s.sessionID, time.Now().UnixNano()), msg); err != nil {
			slog.Warn("persisting inbound message failed", "err", err)
		}

		if err := s.handle(ctx, msg); err != nil {
			slog.Error("session handler failed", "type", msg.Type, "err", err)
			_ = s.Send(map[string]any{"error": "Unknown server error"})
		}
	}
}

func (s *Session) handle(ctx context.Context, msg model.Message) error {
	cur := s.top()
	switch {
	case cur.lob != nil:
		res, err := cur.lob.Dispatch(ctx, s.user.UID, msg, s.deps.RoomTiming)
		if err != nil {
			return s.reportScopeError(err)
		}
		switch {
		case res.Leave:
			s.pop()
		case res.HandOffLobby != nil:
			cur.lob.Leave(s.user.UID)
			s.pushLobby(ctx, res.HandOffLobby)
		case res.HandOffRoom != nil:
			cur.lob.Leave(s.user.UID)
			s.pushRoom(ctx, res.HandOffRoom)
			go res.HandOffRoom.ResolveMapList(context.Background(), s.deps.MapProvider)
		case res.Info != "":
			_ = s.Send(map[string]any{"info": res.Info})
		}
		return nil
	case cur.rm != nil:
		res, err := cur.rm.Dispatch(ctx, s.user.UID, msg)
		if err != nil {
			return s.reportScopeError(err)
		}
		switch {
		case res.Leave:
			s.pop()
		case res.GameSession != nil:
			gameCtl := s.resolveOrCreateGame(*res.GameSession, cur.rm)
			cur.rm.Leave(s.user.UID)
			s.pushGame(ctx, gameCtl)
		}
		return nil
	case cur.gm != nil:
		leave, err := cur.gm.HandleMessage(ctx, s.user.UID, msg)
		if err != nil {
			return s.reportScopeError(err)
		}
		if leave {
			s.pop()
		}
		return nil
	default:
		return nil
	}
}

// resolveOrCreateGame registers the GameController for g under
// (room, lobby) exactly once; later callers observe the already-live
// controller, matching "exactly one GameSession per (room,lobby)".
func (s *Session) resolveOrCreateGame(g model.GameSession, rm *room.Controller) *game.Controller {
	key := registry.GameKey{Room: g.Room, Lobby: g.Lobby}
	if h, ok := s.deps.Registry.Game(key); ok {
		if gc, ok := h.(*game.Controller); ok {
			return gc
		}
	}
	gc := game.New(g, admin.New(g.Admins, g.Mods, nil), chatlog.New(s.deps.Store, "game", g.Name), s.deps.Store)
	if err := s.deps.Registry.RegisterGame(key, gc); err != nil {
		if h, ok := s.deps.Registry.Game(key); ok {
			if existing, ok := h.(*game.Controller); ok {
				return existing
			}
		}
	}
	return gc
}

func (s *Session) reportScopeError(err error) error {
	_ = s.Send(map[string]any{"warning": err.Error()})
	return nil
}

// startPeriodicPush pushes {"server":{...}} every 5s after auth,
// returning a stop function.
func (s *Session) startPeriodicPush(ctx context.Context) func() {
	pctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				_ = s.Send(map[string]any{"server": map[string]any{
					"version":   s.deps.Version,
					"n_clients": s.deps.Registry.ClientCount(),
				}})
			}
		}
	}()
	return cancel
}

func (s *Session) cleanup() {
	if len(s.stack) == 0 {
		return
	}
	cur := s.top()
	switch {
	case cur.lob != nil:
		cur.lob.Leave(s.user.UID)
	case cur.rm != nil:
		cur.rm.Leave(s.user.UID)
	case cur.gm != nil:
		cur.gm.Leave(s.user.UID)
	}
}
