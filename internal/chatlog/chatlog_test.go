package chatlog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cgf/raceserver/internal/model"
	"github.com/cgf/raceserver/internal/storetest"
)

func TestValidateChatPayloadRejectsExtraKeys(t *testing.T) {
	_, err := ValidateChatPayload(map[string]any{"content": "hi", "extra": 1})
	require.ErrorIs(t, err, ErrInvalidChatPayload)
}

func TestValidateChatPayloadRejectsOversizeContent(t *testing.T) {
	_, err := ValidateChatPayload(map[string]any{"content": strings.Repeat("x", 1025)})
	require.ErrorIs(t, err, ErrInvalidChatPayload)
}

func TestValidateChatPayloadAccepts(t *testing.T) {
	content, err := ValidateChatPayload(map[string]any{"content": "gg"})
	require.NoError(t, err)
	require.Equal(t, "gg", content)
}

func TestAppendTrimsRecentTo20(t *testing.T) {
	c := New(storetest.New(), "room", "Alpha##ab12")
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, c.Append(ctx, model.Message{Type: "SEND_CHAT", TS: float64(i)}))
	}
	require.Len(t, c.Recent(), 20)
	recent := c.Recent()
	require.Equal(t, float64(5), recent[0].TS)
	require.Equal(t, float64(24), recent[len(recent)-1].TS)
}
