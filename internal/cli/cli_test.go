package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-timer/internal/config"
	"github.com/ChuLiYu/beaver-timer/internal/controller"
	"github.com/ChuLiYu/beaver-timer/internal/server"
	"github.com/ChuLiYu/beaver-timer/internal/snapshot"
	"github.com/ChuLiYu/beaver-timer/internal/storage/docstore"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir, addr, token string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`data_dir: %s
server:
  addr: %s
  token: %s
log:
  level: error
`, dir, addr, token)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// startDaemon serves the RPC endpoint of an in-memory coordinator.
func startDaemon(t *testing.T, token string, sessions ...types.Session) (addr string) {
	t.Helper()
	ctx := context.Background()
	store, err := docstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = snapshot.Import(ctx, store, types.SnapshotData{Sessions: sessions})
	require.NoError(t, err)

	coord := controller.New(store, controller.Config{})
	t.Cleanup(coord.Stop)
	coord.Start()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, coord.WaitIdle(waitCtx))

	rpc := server.New(coord, server.Config{Token: token, Version: "test"})
	mux := http.NewServeMux()
	mux.Handle("/rpc", rpc.Handler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = rpc.Close() })
	return strings.TrimPrefix(ts.URL, "http://")
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "beaver-timer", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "sessions", "send", "move", "export", "import"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestSendArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"timer with extra args", []string{"send", "--timer", "t1", "START", "extra"}, "exactly one command"},
		{"session without command", []string{"send", "s1"}, "usage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCLI(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMissingExplicitConfig(t *testing.T) {
	_, err := executeCLI(t, "-c", filepath.Join(t.TempDir(), "nope.yaml"), "sessions")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestClientCommands(t *testing.T) {
	addr := startDaemon(t, "s3cret",
		types.Session{ID: "s1", Title: "Deep work", Index: "1"},
		types.Session{ID: "s2", Title: "Reading", Index: "2"},
	)
	cfgPath := writeConfig(t, t.TempDir(), addr, "s3cret")

	out, err := executeCLI(t, "-c", cfgPath, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "Deep work")
	assert.Contains(t, out, "Reading")
	assert.Contains(t, out, "TITLE")

	_, err = executeCLI(t, "-c", cfgPath, "send", "s1", "to_interval_mode")
	require.NoError(t, err)
	_, err = executeCLI(t, "-c", cfgPath, "send", "s1", "CHANGE_TITLE", "Shallow work")
	require.NoError(t, err)

	out, err = executeCLI(t, "-c", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Phase:    idle")
	assert.Contains(t, out, "Shallow work [interval]")

	_, err = executeCLI(t, "-c", cfgPath, "move", "s1", "up")
	assert.Error(t, err, "first session has no sibling above")
	_, err = executeCLI(t, "-c", cfgPath, "move", "s1", "down")
	assert.NoError(t, err)

	_, err = executeCLI(t, "-c", cfgPath, "send", "missing", "ADD")
	assert.Error(t, err)
}

func TestClientRejectedWithoutToken(t *testing.T) {
	addr := startDaemon(t, "s3cret")
	cfgPath := writeConfig(t, t.TempDir(), addr, "wrong")

	_, err := executeCLI(t, "-c", cfgPath, "sessions")
	assert.Error(t, err)
}

func TestImportThenExport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "127.0.0.1:0", "")

	seed := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`schema_ver: 1
sessions:
  - id: s1
    title: Pomodoro
    index: "1"
    timers: [work, rest]
timers:
  - {id: work, sessionId: s1, label: Work, duration: 1500000, countable: true, createdAt: 1}
  - {id: rest, sessionId: s1, label: Rest, duration: 300000, countable: false, createdAt: 2}
`), 0o644))

	out, err := executeCLI(t, "-c", cfgPath, "import", seed)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 3 documents")

	exported := filepath.Join(dir, "export.json")
	out, err = executeCLI(t, "-c", cfgPath, "export", "-o", exported)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 1 sessions, 2 timers, 0 records")

	data, err := snapshot.NewManager(afero.NewOsFs(), exported).Load()
	require.NoError(t, err)
	require.Len(t, data.Sessions, 1)
	assert.Equal(t, "Pomodoro", data.Sessions[0].Title)
	assert.Equal(t, []string{"work", "rest"}, data.Sessions[0].Timers)
}

func TestRunSystemStopsOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Health.Addr = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Alarm.Player = "none"
	cfg.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSystem(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runSystem did not return after cancel")
	}
	_, err := os.Stat(cfg.StoragePath())
	assert.NoError(t, err, "store created under data_dir")
}
