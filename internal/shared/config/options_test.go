package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(o *Options)
		wantErr  bool
		wantType string
	}{
		{name: "valid defaults", mutate: func(o *Options) {}, wantType: "100"},
		{name: "mnemonic worktype", mutate: func(o *Options) { o.WorkType = "DoubleCheckPRP" }, wantType: "151"},
		{name: "missing username", mutate: func(o *Options) { o.Username = "" }, wantErr: true},
		{name: "short cpu model", mutate: func(o *Options) { o.Hardware.CPUModel = "i7" }, wantErr: true},
		{name: "long cpu model", mutate: func(o *Options) { o.Hardware.CPUModel = strings.Repeat("x", 65) }, wantErr: true},
		{name: "long hostname", mutate: func(o *Options) { o.Hardware.Hostname = strings.Repeat("h", 21) }, wantErr: true},
		{name: "long features", mutate: func(o *Options) { o.Hardware.Features = strings.Repeat("f", 65) }, wantErr: true},
		{name: "unknown worktype", mutate: func(o *Options) { o.WorkType = "4" }, wantErr: true},
		{name: "prp on gpu", mutate: func(o *Options) { o.WorkType = "150"; o.GPU = "cuda.txt" }, wantErr: true},
		{name: "negative interval", mutate: func(o *Options) { o.Interval = -time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOptions()
			o.Username = "alice"
			tt.mutate(o)
			err := o.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidOption)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantType, o.WorkType)
		})
	}
}

func TestOptions_Paths(t *testing.T) {
	o := &Options{WorkDir: "/work", LocalFile: "local.ini", WorkFile: "worktodo.ini", ResultsFile: "results.txt", SentFile: "results_sent.txt"}
	require.Equal(t, filepath.Join("/work", "local.ini"), o.LocalPath())
	require.Equal(t, filepath.Join("/work", "worktodo.ini"), o.WorkPath())
	require.Equal(t, filepath.Join("/work", "results.txt"), o.ResultsPath())
	require.Equal(t, filepath.Join("/work", "results_sent.txt"), o.SentPath())
	require.False(t, o.ManualMode())
	require.Equal(t, "Mlucas", o.Program())
}

func TestLoadClient_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadClient("")
	require.NoError(t, err)
	require.Equal(t, "http://v5.mersenne.org/v5server/", cfg.Server.V5URL)
	require.Equal(t, 5, cfg.Server.MaxAttempts)
	require.Equal(t, 60*time.Second, cfg.Server.Timeout)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadClient_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primenet.yaml")
	content := "server:\n  max_attempts: 3\n  timeout: 5s\nlogging:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("PRIMENET_SERVER_V5_URL", "http://localhost:9999/v5server/")

	cfg, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Server.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Server.Timeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "http://localhost:9999/v5server/", cfg.Server.V5URL)
}

func TestLoadClient_RejectsZeroAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "primenet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  max_attempts: 0\n"), 0o644))

	_, err := LoadClient(path)
	require.Error(t, err)
}
