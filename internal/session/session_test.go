package session

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cgf/raceserver/internal/admin"
	"github.com/cgf/raceserver/internal/chatlog"
	"github.com/cgf/raceserver/internal/config"
	"github.com/cgf/raceserver/internal/identity"
	"github.com/cgf/raceserver/internal/lobby"
	"github.com/cgf/raceserver/internal/mapprovider"
	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/protocol"
	"github.com/cgf/raceserver/internal/registry"
	"github.com/cgf/raceserver/internal/storetest"
)

// stubVerifier satisfies identity.Verifier for tests that never need a
// real upstream identity provider.
type stubVerifier struct{}

func (stubVerifier) VerifyToken(_ context.Context, token string) (identity.TokenResponse, error) {
	return identity.TokenResponse{AccountID: token, DisplayName: "player-" + token}, nil
}

func newTestDeps(t *testing.T) (Deps, *registry.Registry) {
	t.Helper()
	st := storetest.New()
	reg := registry.New()
	mainLobby := lobby.New(
		model.Lobby{Name: model.MainLobbyName, CreationTS: float64(time.Now().Unix())},
		admin.New(nil, nil, nil),
		chatlog.New(st, "lobby", model.MainLobbyName),
		st, reg,
	)
	require.NoError(t, reg.RegisterLobby(model.MainLobbyName, mainLobby))

	return Deps{
		Store:       st,
		Directory:   identity.NewDirectory(st, stubVerifier{}),
		Registry:    reg,
		MapProvider: &mapprovider.Provider{},
		RoomTiming:  config.Default().RoomTiming,
		Auth:        config.Auth{EnableLegacyAuth: true, ResumptionWindow: 3 * time.Hour},
		Version:     "test",
	}, reg
}

// writeFrame/readFrame drive the session from the client's side of the
// wire using the same framing the server speaks.
func writeFrame(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, buf))
}

func readFrame(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	buf, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf, &out))
	return out
}

func TestHandshakeLoginTokenLogsIn(t *testing.T) {
	deps, _ := newTestDeps(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, deps)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	readFrame(t, clientConn) // initial {"server":...} push

	writeFrame(t, clientConn, map[string]any{
		"type":       "LOGIN_TOKEN",
		"payload":    map[string]any{"t": "tok-1"},
		"visibility": "none",
	})

	loggedIn := readFrame(t, clientConn)
	require.Equal(t, "LOGGED_IN", loggedIn["type"])
	require.NotEmpty(t, loggedIn["uid"])

	scope := readFrame(t, clientConn)
	require.Equal(t, "0|MainLobby", scope["scope"])

	clientConn.Close()
	<-done
}

func TestHandshakeRejectsUnknownType(t *testing.T) {
	deps, _ := newTestDeps(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, deps)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	readFrame(t, clientConn) // initial server push

	writeFrame(t, clientConn, map[string]any{
		"type":       "BOGUS",
		"payload":    map[string]any{},
		"visibility": "none",
	})

	resp := readFrame(t, clientConn)
	require.Equal(t, "Login failed", resp["error"])

	err := <-done
	require.Error(t, err)
}

func TestLegacyRegisterThenLoginResumesMainLobby(t *testing.T) {
	deps, _ := newTestDeps(t)
	serverConn, clientConn := net.Pipe()

	s := New(serverConn, deps)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	readFrame(t, clientConn)
	writeFrame(t, clientConn, map[string]any{
		"type":       "REGISTER",
		"payload":    map[string]any{"name": "racer", "wsid": "ws-1"},
		"visibility": "none",
	})
	reg := readFrame(t, clientConn)
	require.Equal(t, "REGISTERED", reg["type"])
	require.NotEmpty(t, reg["secret"])

	readFrame(t, clientConn) // scope push into MainLobby
	clientConn.Close()
	<-done
}
