//go:build !windows

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// shellSpawner runs script with sh; the worker arguments become positional
// parameters, so the script can echo them.
func shellSpawner(t *testing.T, script string) *ExecSpawner {
	t.Helper()
	return &ExecSpawner{
		Executable: "sh",
		Args:       []string{"-c", script, "sh"},
		LogDir:     t.TempDir(),
		logger:     zaptest.NewLogger(t),
	}
}

func TestExecSpawnerPassesWorkerArguments(t *testing.T) {
	s := shellSpawner(t, `echo "$@"`)

	p, err := s.Spawn(context.Background(), WorkerSpec{ID: "w-1-abc", Role: "designer"})
	require.NoError(t, err)
	assert.Positive(t, p.PID())
	require.NoError(t, p.Wait())

	out, err := os.ReadFile(filepath.Join(s.LogDir, "worker-w-1-abc.log"))
	require.NoError(t, err)
	assert.Equal(t, "worker --id w-1-abc --role designer", strings.TrimSpace(string(out)))
}

func TestExecSpawnerTerminateGraceful(t *testing.T) {
	s := shellSpawner(t, `trap 'exit 0' TERM; while true; do sleep 0.05; done`)

	p, err := s.Spawn(context.Background(), WorkerSpec{ID: "w-1", Role: "r"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Terminate(5*time.Second))
	_ = p.Wait()
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecSpawnerTerminateForcesAfterGrace(t *testing.T) {
	s := shellSpawner(t, `trap '' TERM; while true; do sleep 0.05; done`)

	p, err := s.Spawn(context.Background(), WorkerSpec{ID: "w-2", Role: "r"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = p.Terminate(200 * time.Millisecond)
		_ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
	// A second call is a no-op.
	assert.NoError(t, p.Terminate(time.Second))
}

func TestExecSpawnerMissingExecutable(t *testing.T) {
	s := &ExecSpawner{Executable: filepath.Join(t.TempDir(), "missing")}
	_, err := s.Spawn(context.Background(), WorkerSpec{ID: "w-1", Role: "r"})
	assert.Error(t, err)
}
