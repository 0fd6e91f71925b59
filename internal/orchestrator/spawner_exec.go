package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExecSpawner starts each worker as a child process running
// "<Executable> <Args...> worker --id <id> --role <role>".
type ExecSpawner struct {
	// Executable is the program to run, normally the cohort binary itself.
	Executable string
	// Args are placed before the worker subcommand, e.g. config flags.
	Args []string
	// Dir is the working directory of the child. Empty inherits ours.
	Dir string
	// LogDir receives worker-<id>.log with the child's stdout and stderr.
	// Empty discards the output.
	LogDir string
	// Env is appended to the inherited environment.
	Env []string

	logger *zap.Logger
}

// NewExecSpawner creates an ExecSpawner that runs the current executable.
func NewExecSpawner(logDir string, logger *zap.Logger) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecSpawner{Executable: exe, LogDir: logDir, logger: logger}, nil
}

// Spawn starts the worker process. The child is not tied to ctx: it lives
// until Terminate so that teardown controls every exit.
func (s *ExecSpawner) Spawn(_ context.Context, spec WorkerSpec) (Process, error) {
	args := append(append([]string{}, s.Args...),
		"worker", "--id", string(spec.ID), "--role", string(spec.Role))

	cmd := exec.Command(s.Executable, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	configureWorkerProcess(cmd)

	var logFile *os.File
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("create worker log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(s.LogDir, "worker-"+string(spec.ID)+".log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("start worker %s: %w", spec.ID, err)
	}
	if s.logger != nil {
		s.logger.Debug("worker process started",
			zap.String("worker_id", string(spec.ID)),
			zap.Int("pid", cmd.Process.Pid))
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	once    sync.Once
	termErr error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

// Terminate signals the process group, waits up to grace for the exit and
// then kills the group.
func (p *execProcess) Terminate(grace time.Duration) error {
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.termErr = terminateWorkerProcess(p.cmd, p.done, grace)
	})
	return p.termErr
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.waitErr
}
