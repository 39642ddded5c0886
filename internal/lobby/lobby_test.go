package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/chatlog"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/registry"
	"github.com/cgf/raceserver/internal/storetest"
)

type fakeSender struct{ sent []any }

func (f *fakeSender) Send(v any) error { f.sent = append(f.sent, v); return nil }

func newMain() (*Controller, *registry.Registry) {
	st := storetest.New()
	reg := registry.New()
	main := model.Lobby{Name: model.MainLobbyName, CreationTS: float64(time.Now().Unix())}
	ctl := New(main, admin.New(nil, nil, nil), chatlog.New(st, "lobby", model.MainLobbyName), st, reg)
	_ = reg.RegisterLobby(model.MainLobbyName, ctl)
	return ctl, reg
}

func TestCreateLobbyOnlyFromMainLobby(t *testing.T) {
	main, reg := newMain()
	child, err := main.CreateLobby("Alpha")
	require.NoError(t, err)
	require.Equal(t, "Alpha", child.Name())

	_, err = child.CreateLobby("Nested")
	require.ErrorIs(t, err, ErrNotMainLobby)

	h, ok := reg.Lobby("Alpha")
	require.True(t, ok)
	require.Same(t, child, h)
}

func TestCreateLobbyRejectsDuplicateName(t *testing.T) {
	main, _ := newMain()
	_, err := main.CreateLobby("Alpha")
	require.NoError(t, err)
	_, err = main.CreateLobby("Alpha")
	require.ErrorIs(t, err, ErrNameTaken)
}

func TestJoinLobbyHandsOffToRegisteredLobby(t *testing.T) {
	main, _ := newMain()
	_, err := main.CreateLobby("Alpha")
	require.NoError(t, err)

	target, err := main.JoinLobby("Alpha")
	require.NoError(t, err)
	require.Equal(t, "Alpha", target.Name())
}

func TestCreateRoomClampsAndRejectsBadParams(t *testing.T) {
	main, _ := newMain()
	alpha, err := main.CreateLobby("Alpha")
	require.NoError(t, err)

	timing := config.Default().RoomTiming

	_, err = alpha.CreateRoom(RoomParams{Name: "Race", PlayerLimit: 5, NTeams: 10, MinSecs: 30, MaxSecs: 60}, timing)
	require.ErrorIs(t, err, ErrBadRoomParams)

	r, err := alpha.CreateRoom(RoomParams{Name: "Race", PlayerLimit: 5, NTeams: 3, MinSecs: 30, MaxSecs: 60}, timing)
	require.NoError(t, err)
	require.Contains(t, r.Name(), "Race##")
}

func TestJoinRoomFindsLiveRoom(t *testing.T) {
	main, _ := newMain()
	alpha, err := main.CreateLobby("Alpha")
	require.NoError(t, err)
	timing := config.Default().RoomTiming

	created, err := alpha.CreateRoom(RoomParams{Name: "Race", PlayerLimit: 5, NTeams: 2, MinSecs: 30, MaxSecs: 60}, timing)
	require.NoError(t, err)

	found, err := alpha.JoinRoom(created.Name())
	require.NoError(t, err)
	require.Same(t, created, found)
}

func TestJoinCodeResolvesByPersistedCode(t *testing.T) {
	main, _ := newMain()
	alpha, err := main.CreateLobby("Alpha")
	require.NoError(t, err)
	timing := config.Default().RoomTiming

	created, err := alpha.CreateRoom(RoomParams{Name: "Race", PlayerLimit: 5, NTeams: 2, MinSecs: 30, MaxSecs: 60}, timing)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, created.Persist(ctx))

	found, err := alpha.JoinCode(ctx, created.Snapshot().JoinCode)
	require.NoError(t, err)
	require.Same(t, created, found)
}

func TestValidateGameOptsRejectsNonString(t *testing.T) {
	_, err := ValidateGameOpts(map[string]any{"nested": map[string]any{"a": 1}})
	require.ErrorIs(t, err, ErrBadRoomParams)

	out, err := ValidateGameOpts(map[string]any{"mode": "ffa"})
	require.NoError(t, err)
	require.Equal(t, "ffa", out["mode"])
}
