package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", in: "debug", want: slog.LevelDebug},
		{name: "empty defaults to info", in: "", want: slog.LevelInfo},
		{name: "upper case", in: "WARN", want: slog.LevelWarn},
		{name: "warning alias", in: "warning", want: slog.LevelWarn},
		{name: "error", in: "error", want: slog.LevelError},
		{name: "unknown", in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger("info", "xml")
	require.Error(t, err)
}

func TestSlogLogger_JSONOutputIsUTC(t *testing.T) {
	var buf bytes.Buffer
	logger := newSlogLogger(&buf, slog.LevelInfo, "json")

	logger.Debug("hidden")
	logger.Info("fetched assignment", "assignment_id", "ABC")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	require.Equal(t, "fetched assignment", record["msg"])
	require.Equal(t, "ABC", record["assignment_id"])
	require.True(t, strings.HasSuffix(record["time"].(string), "Z"))
}

func TestSlogLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newSlogLogger(&buf, slog.LevelDebug, "text")

	logger.Debug("speed sample", "ms_per_iter", 5.0)

	require.Contains(t, buf.String(), "msg=\"speed sample\"")
	require.Contains(t, buf.String(), "ms_per_iter=5")
}
