package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/reasoning"
	"github.com/ShayCichocki/cohort/internal/worker"
)

// InProcessSpawner runs each worker as a goroutine sharing the caller's
// mailbox. It is used with the memory backend and in tests.
type InProcessSpawner struct {
	Mailbox *mailbox.Mailbox
	Client  reasoning.Client
	// Options are applied to every worker before its role.
	Options []worker.Option
	Logger  *zap.Logger
}

// Spawn starts a worker goroutine. Like a child process, it outlives ctx
// and stops only on Terminate.
func (s *InProcessSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	opts := append([]worker.Option{}, s.Options...)
	opts = append(opts, worker.WithRole(spec.Role))
	if s.Logger != nil {
		opts = append(opts, worker.WithLogger(s.Logger))
	}
	w := worker.New(spec.ID, s.Mailbox, s.Client, opts...)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &inProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.err = w.Run(wctx)
	}()
	return p, nil
}

type inProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *inProcess) PID() int { return 0 }

// Terminate cancels the worker. Grace is ignored: a goroutine cannot be
// killed, and a worker observes cancellation at its next wait.
func (p *inProcess) Terminate(time.Duration) error {
	p.cancel()
	return nil
}

func (p *inProcess) Wait() error {
	<-p.done
	return p.err
}
