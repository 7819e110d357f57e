package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "qmchat.log")

	l, err := New(Config{Level: "warn", File: path})
	require.NoError(t, err)

	l.Info().Msg("hidden")
	l.Warn().Str("conversation", "dlg-1").Msg("message not delivered")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	require.False(t, strings.Contains(out, "hidden"))
	require.Contains(t, out, `"conversation":"dlg-1"`)
	require.Contains(t, out, `"level":"warn"`)
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error().Msg("discarded")
	require.NoError(t, l.Close())
}
