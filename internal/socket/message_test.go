package socket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	msg, err := decodeMessage([]byte(`{"type":"progress","file_path":"a.md","count":3}`))
	require.NoError(t, err)
	require.Equal(t, "progress", msg.Type)
	require.Equal(t, "a.md", msg.String("file_path"))
	require.Empty(t, msg.String("count"), "non-string values read as empty")
	require.True(t, msg.Has("count"))
	require.False(t, msg.Has("missing"))

	for _, frame := range []string{`null`, `[]`, `"text"`, `{`, ``} {
		_, err := decodeMessage([]byte(frame))
		require.Error(t, err, frame)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "closed", StatusClosed.String())
	require.Equal(t, "connecting", StatusConnecting.String())
	require.Equal(t, "open", StatusOpen.String())
	require.Equal(t, "reconnecting", StatusReconnecting.String())
	require.Equal(t, "unknown", Status(42).String())
}
