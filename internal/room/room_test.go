package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/store"
	"github.com/cgf/raceserver/internal/storetest"
)

type fakeSender struct {
	sent []any
}

func (f *fakeSender) Send(v any) error {
	f.sent = append(f.sent, v)
	return nil
}

func newTestController() *Controller {
	r := model.Room{
		Name:        "Alpha##ab12",
		Lobby:       "Arena",
		PlayerLimit: 2,
		NTeams:      2,
		CreationTS:  float64(time.Now().Unix()),
	}
	ctl := admin.New(nil, nil, nil)
	cfg := config.RoomTiming{
		CountdownDuration:  5 * time.Second,
		EmptyRetireAfter:   120 * time.Second,
		MaxAgeRetireAfter:  6 * time.Hour,
		JoinEarlyTolerance: time.Second,
	}
	return New(r, ctl, nil, storetest.New(), cfg)
}

func TestJoinRejectsOverLimit(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.Join("u2", &fakeSender{}))
	require.ErrorIs(t, c.Join("u3", &fakeSender{}), ErrRoomFull)
}

func TestJoinTeamThenReadyStartsCountdown(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.Join("u2", &fakeSender{}))
	require.NoError(t, c.JoinTeam("u1", 0))
	require.NoError(t, c.JoinTeam("u2", 1))

	_, err := c.MarkReady("u1", true)
	require.NoError(t, err)
	require.Equal(t, int64(model.NotScheduled), c.Snapshot().GameStartTime)

	_, err = c.MarkReady("u2", true)
	require.NoError(t, err)
	snap := c.Snapshot()
	require.Greater(t, snap.GameStartTime, int64(0))
	require.False(t, snap.IsOpen)
	require.Equal(t, 2, c.ReadyCount())
}

func TestAbortCountdownOnUnready(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.Join("u2", &fakeSender{}))
	require.NoError(t, c.JoinTeam("u1", 0))
	require.NoError(t, c.JoinTeam("u2", 1))
	c.MarkReady("u1", true)
	c.MarkReady("u2", true)
	require.Greater(t, c.Snapshot().GameStartTime, int64(0))

	aborted, err := c.MarkReady("u1", false)
	require.NoError(t, err)
	require.True(t, aborted)
	require.Equal(t, int64(model.NotScheduled), c.Snapshot().GameStartTime)
	require.True(t, c.Snapshot().IsOpen)
}

func TestForceStartedCountdownResistsNonModAbort(t *testing.T) {
	r := model.Room{Name: "Beta##cc11", Lobby: "Arena", PlayerLimit: 2, NTeams: 2, CreationTS: float64(time.Now().Unix())}
	ctl := admin.New([]string{"mod1"}, nil, nil)
	cfg := config.RoomTiming{CountdownDuration: 5 * time.Second, JoinEarlyTolerance: time.Second}
	c := New(r, ctl, nil, storetest.New(), cfg)

	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.Join("mod1", &fakeSender{}))
	require.NoError(t, c.JoinTeam("u1", 0))
	require.NoError(t, c.JoinTeam("mod1", 1))
	require.NoError(t, c.ForceStart("mod1"))
	require.True(t, c.Snapshot().GameStartForced)
	_, err := c.MarkReady("u1", true)
	require.NoError(t, err)

	aborted, err := c.MarkReady("u1", false)
	require.NoError(t, err)
	require.False(t, aborted)
	require.Greater(t, c.Snapshot().GameStartTime, int64(0))
}

func TestJoinGameNowRefusesTooEarly(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.Join("u2", &fakeSender{}))
	c.JoinTeam("u1", 0)
	c.JoinTeam("u2", 1)
	c.MarkReady("u1", true)
	c.MarkReady("u2", true)

	_, err := c.JoinGameNow("u1", time.Now())
	require.ErrorIs(t, err, ErrTooEarly)
}

func TestJoinGameNowConstructsSessionOnce(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.Join("u2", &fakeSender{}))
	c.JoinTeam("u1", 0)
	c.JoinTeam("u2", 1)
	c.MarkReady("u1", true)
	c.MarkReady("u2", true)

	future := time.Unix(c.Snapshot().GameStartTime, 0)
	g1, err := c.JoinGameNow("u1", future)
	require.NoError(t, err)
	g2, err := c.JoinGameNow("u2", future)
	require.NoError(t, err)
	require.Same(t, g1, g2)
	require.Len(t, g1.Players, 2)
	require.ElementsMatch(t, []string{"u1", "u2"}, g1.Players)
}

func TestNoUserOnTwoTeams(t *testing.T) {
	c := newTestController()
	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.JoinTeam("u1", 0))
	require.NoError(t, c.JoinTeam("u1", 1))
	teams := c.ListTeams()
	count := 0
	for _, team := range teams {
		for _, uid := range team {
			if uid == "u1" {
				count++
			}
		}
	}
	require.Equal(t, 1, count)
}

func frameTypes(sent []any) []string {
	var out []string
	for _, f := range sent {
		m, ok := f.(map[string]any)
		if !ok {
			continue
		}
		typ, ok := m["type"].(string)
		if !ok {
			continue
		}
		out = append(out, typ)
	}
	return out
}

func TestJoinAndJoinTeamBroadcastRoomUpdate(t *testing.T) {
	c := newTestController()
	s1 := &fakeSender{}
	require.NoError(t, c.Join("u1", s1))
	require.Contains(t, frameTypes(s1.sent), "ROOM_UPDATE")

	s1.sent = nil
	require.NoError(t, c.JoinTeam("u1", 0))
	require.Contains(t, frameTypes(s1.sent), "PLAYER_JOINED_TEAM")
	require.Contains(t, frameTypes(s1.sent), "ROOM_UPDATE")
}

func TestMarkReadyBroadcastsCountdownStart(t *testing.T) {
	c := newTestController()
	s1, s2 := &fakeSender{}, &fakeSender{}
	require.NoError(t, c.Join("u1", s1))
	require.NoError(t, c.Join("u2", s2))
	require.NoError(t, c.JoinTeam("u1", 0))
	require.NoError(t, c.JoinTeam("u2", 1))

	s1.sent, s2.sent = nil, nil
	_, err := c.MarkReady("u1", true)
	require.NoError(t, err)
	require.Contains(t, frameTypes(s1.sent), "PLAYER_READY")
	require.NotContains(t, frameTypes(s1.sent), "GAME_STARTING_AT")

	s1.sent, s2.sent = nil, nil
	_, err = c.MarkReady("u2", true)
	require.NoError(t, err)
	require.Contains(t, frameTypes(s2.sent), "GAME_STARTING_AT")
}

func TestAbortBroadcastsGameStartAbort(t *testing.T) {
	c := newTestController()
	s1, s2 := &fakeSender{}, &fakeSender{}
	require.NoError(t, c.Join("u1", s1))
	require.NoError(t, c.Join("u2", s2))
	require.NoError(t, c.JoinTeam("u1", 0))
	require.NoError(t, c.JoinTeam("u2", 1))
	c.MarkReady("u1", true)
	c.MarkReady("u2", true)

	s1.sent, s2.sent = nil, nil
	aborted, err := c.MarkReady("u1", false)
	require.NoError(t, err)
	require.True(t, aborted)
	require.Contains(t, frameTypes(s2.sent), "GAME_START_ABORT")
}

func TestForceStartBroadcastsGameStartingAt(t *testing.T) {
	r := model.Room{Name: "Gamma##dd22", Lobby: "Arena", PlayerLimit: 2, NTeams: 2, CreationTS: float64(time.Now().Unix())}
	ctl := admin.New([]string{"mod1"}, nil, nil)
	cfg := config.RoomTiming{CountdownDuration: 5 * time.Second, JoinEarlyTolerance: time.Second}
	c := New(r, ctl, nil, storetest.New(), cfg)

	s1 := &fakeSender{}
	require.NoError(t, c.Join("mod1", s1))
	s1.sent = nil
	require.NoError(t, c.ForceStart("mod1"))
	require.Contains(t, frameTypes(s1.sent), "GAME_STARTING_AT")
}

func TestListPlayersDispatchRespondsOnlyToRequester(t *testing.T) {
	c := newTestController()
	s1, s2 := &fakeSender{}, &fakeSender{}
	require.NoError(t, c.Join("u1", s1))
	require.NoError(t, c.Join("u2", s2))
	s1.sent, s2.sent = nil, nil

	_, err := c.Dispatch(context.Background(), "u1", model.Message{Type: "LIST_PLAYERS"})
	require.NoError(t, err)
	require.Contains(t, frameTypes(s1.sent), "LIST_PLAYERS")
	require.Empty(t, s2.sent)
}

func TestPersistSyncsKickedPlayers(t *testing.T) {
	r := model.Room{Name: "Delta##ee33", Lobby: "Arena", PlayerLimit: 2, NTeams: 2, CreationTS: float64(time.Now().Unix())}
	ctl := admin.New([]string{"mod1"}, nil, nil)
	cfg := config.RoomTiming{CountdownDuration: 5 * time.Second, JoinEarlyTolerance: time.Second}
	st := storetest.New()
	c := New(r, ctl, nil, st, cfg)

	require.NoError(t, c.Join("u1", &fakeSender{}))
	require.NoError(t, c.Join("mod1", &fakeSender{}))
	require.NoError(t, ctl.KickPlayer("mod1", "u1"))
	require.True(t, c.IsKicked("u1"))

	ctx := context.Background()
	require.NoError(t, c.Persist(ctx))

	var stored model.Room
	require.NoError(t, st.FindByID(ctx, store.CollectionRoom, c.Name(), &stored))
	require.Contains(t, stored.KickedPlayers, "u1")
}
