package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/planner"
	"github.com/ShayCichocki/cohort/internal/worker"
	"github.com/ShayCichocki/cohort/pkg/models"
)

const landingPagePlan = `{
  "team": ["designer", "developer"],
  "plan": [
    {"agent": "designer", "task": "Design the layout of a landing page"},
    {"agent": "developer", "task": "Implement the layout in HTML and CSS"}
  ]
}`

// scriptedClient answers the planning prompt with plan and worker prompts
// through reply, keyed by the role the prompt was composed for.
type scriptedClient struct {
	plan  string
	roles []models.RoleName
	reply func(ctx context.Context, role models.RoleName, instruction string) (string, error)

	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
}

func (c *scriptedClient) Generate(ctx context.Context, prompt string) (string, error) {
	if !strings.Contains(prompt, "Your task:\n") {
		return c.plan, nil
	}
	var role models.RoleName
	for _, r := range c.roles {
		if strings.HasPrefix(prompt, worker.DescribeRole(r)) {
			role = r
		}
	}
	instruction := strings.SplitN(strings.SplitN(prompt, "Your task:\n", 2)[1], "\n\n", 2)[0]

	c.mu.Lock()
	c.calls = append(c.calls, instruction)
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	return c.reply(ctx, role, instruction)
}

func (c *scriptedClient) instructions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type countingSpawner struct {
	inner      Spawner
	spawned    atomic.Int32
	terminated atomic.Int32
}

func (s *countingSpawner) Spawn(ctx context.Context, spec WorkerSpec) (Process, error) {
	p, err := s.inner.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.spawned.Add(1)
	return &countingProcess{Process: p, terminated: &s.terminated}, nil
}

type countingProcess struct {
	Process
	terminated *atomic.Int32
}

func (p *countingProcess) Terminate(grace time.Duration) error {
	p.terminated.Add(1)
	return p.Process.Terminate(grace)
}

type harness struct {
	mailbox *mailbox.Mailbox
	store   mailbox.Store
	client  *scriptedClient
	spawner *countingSpawner
}

func newHarness(t *testing.T, client *scriptedClient) *harness {
	t.Helper()
	store := mailbox.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	mb := mailbox.New(store, 10*time.Millisecond, zaptest.NewLogger(t))
	return &harness{
		mailbox: mb,
		store:   store,
		client:  client,
		spawner: &countingSpawner{inner: &InProcessSpawner{
			Mailbox: mb,
			Client:  client,
			Options: []worker.Option{worker.WithRetryDelay(10 * time.Millisecond)},
		}},
	}
}

func (h *harness) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithReadyTimeout(2 * time.Second),
		WithStepTimeout(5 * time.Second),
		WithTerminateGrace(100 * time.Millisecond),
	}, opts...)
	o, err := New(RequiredConfig{
		Mailbox: h.mailbox,
		Spawner: h.spawner,
		Planner: planner.New(h.client, zaptest.NewLogger(t)),
	}, opts...)
	require.NoError(t, err)
	return o
}

func drain(o *Orchestrator) []Event {
	o.Close()
	var events []Event
	for e := range o.Events() {
		events = append(events, e)
	}
	return events
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestRunLandingPageEndToEnd(t *testing.T) {
	client := &scriptedClient{
		plan:  "Here you go:\n" + landingPagePlan,
		roles: []models.RoleName{"designer", "developer"},
		reply: func(_ context.Context, role models.RoleName, _ string) (string, error) {
			if role == "designer" {
				return `{"layout": "hero, features, footer", "palette": "blue"}`, nil
			}
			return "index.html written", nil
		},
	}
	h := newHarness(t, client)
	o := h.orchestrator(t)

	report, err := o.Run(context.Background(), "Build a landing page")
	require.NoError(t, err)
	events := drain(o)

	require.Len(t, report.Results, 2)
	assert.Equal(t, models.StepStatusDone, report.Results[0].Status)
	assert.Equal(t, models.StepStatusDone, report.Results[1].Status)
	assert.Equal(t, "index.html written", report.Results[1].Output)
	assert.NotEqual(t, report.Results[0].WorkerID, report.Results[1].WorkerID)

	assert.Equal(t, "Build a landing page", report.FinalState["project_goal"])
	assert.Equal(t, "blue", report.FinalState["palette"])
	assert.Equal(t, RunStatusCompleted, report.FinalState["status"])

	assert.Equal(t, 2, countEvents(events, EventStepDispatched))
	assert.Equal(t, 2, countEvents(events, EventStepCompleted))
	assert.Equal(t, 1, countEvents(events, EventWorkersTerminated))
	assert.Equal(t, int32(2), h.spawner.spawned.Load())
	assert.Equal(t, int32(2), h.spawner.terminated.Load())

	// Only the shared state document survives teardown.
	keys, err := h.store.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{mailbox.SharedStateKey}, keys)
}

func TestRunDispatchesStepsInPlanOrder(t *testing.T) {
	client := &scriptedClient{
		roles: []models.RoleName{"a", "b"},
		reply: func(_ context.Context, _ models.RoleName, instruction string) (string, error) {
			time.Sleep(5 * time.Millisecond)
			return "ok " + instruction, nil
		},
	}
	h := newHarness(t, client)
	plan := &models.Plan{
		Roster: []models.RoleName{"a", "b"},
		Steps: []models.Step{
			{Agent: "a", Instruction: "one"},
			{Agent: "b", Instruction: "two"},
			{Agent: "a", Instruction: "three"},
			{Agent: "a", Instruction: "four"},
			{Agent: "b", Instruction: "five"},
		},
	}
	o := h.orchestrator(t, WithPlan(plan))

	report, err := o.Run(context.Background(), "ordering")
	require.NoError(t, err)
	drain(o)

	assert.Equal(t, []string{"one", "two", "three", "four", "five"}, client.instructions())
	assert.Equal(t, 1, client.maxActive)
	for i, res := range report.Results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, "ok "+plan.Steps[i].Instruction, res.Output)
	}
	assert.Equal(t, report.Results[0].WorkerID, report.Results[2].WorkerID)
}

func TestRunSkipsStepWithoutTask(t *testing.T) {
	client := &scriptedClient{
		roles: []models.RoleName{"writer"},
		reply: func(context.Context, models.RoleName, string) (string, error) { return "draft", nil },
	}
	h := newHarness(t, client)
	o := h.orchestrator(t, WithPlan(&models.Plan{
		Roster: []models.RoleName{"writer"},
		Steps: []models.Step{
			{Agent: "writer", Instruction: "   "},
			{Agent: "writer", Instruction: "write it"},
		},
	}))

	report, err := o.Run(context.Background(), "skip empty")
	require.NoError(t, err)
	events := drain(o)

	require.Len(t, report.Results, 2)
	assert.Equal(t, models.StepStatusSkipped, report.Results[0].Status)
	assert.Equal(t, "step has no task", report.Results[0].Error)
	assert.Equal(t, models.StepStatusDone, report.Results[1].Status)
	assert.Equal(t, []string{"write it"}, client.instructions())
	assert.Equal(t, 1, countEvents(events, EventStepSkipped))
}

func TestRunSkipsStepWithoutWorker(t *testing.T) {
	client := &scriptedClient{
		roles: []models.RoleName{"writer"},
		reply: func(context.Context, models.RoleName, string) (string, error) { return "draft", nil },
	}
	h := newHarness(t, client)
	o := h.orchestrator(t, WithPlan(&models.Plan{
		Roster: []models.RoleName{"writer"},
		Steps: []models.Step{
			{Agent: "tester", Instruction: "test it"},
			{Agent: "writer", Instruction: "write it"},
		},
	}))

	report, err := o.Run(context.Background(), "skip")
	require.NoError(t, err)
	events := drain(o)

	require.Len(t, report.Results, 2)
	assert.Equal(t, models.StepStatusSkipped, report.Results[0].Status)
	assert.Empty(t, report.Results[0].WorkerID)
	assert.Contains(t, report.Results[0].Error, "tester")
	assert.Equal(t, models.StepStatusDone, report.Results[1].Status)
	assert.Equal(t, []string{"write it"}, client.instructions())
	assert.Equal(t, 1, countEvents(events, EventStepSkipped))
}

func TestRunStepTimeoutContinues(t *testing.T) {
	client := &scriptedClient{
		roles: []models.RoleName{"slow", "fast"},
		reply: func(ctx context.Context, role models.RoleName, _ string) (string, error) {
			if role == "slow" {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "quick", nil
		},
	}
	h := newHarness(t, client)
	o := h.orchestrator(t,
		WithStepTimeout(150*time.Millisecond),
		WithPlan(&models.Plan{
			Roster: []models.RoleName{"slow", "fast"},
			Steps: []models.Step{
				{Agent: "slow", Instruction: "never finishes"},
				{Agent: "fast", Instruction: "finishes"},
			},
		}))

	report, err := o.Run(context.Background(), "timeouts")
	require.NoError(t, err)
	events := drain(o)

	require.Len(t, report.Results, 2)
	assert.Equal(t, models.StepStatusTimeout, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, ErrStepTimeout.Error())
	assert.Equal(t, models.StepStatusDone, report.Results[1].Status)
	assert.Equal(t, 1, countEvents(events, EventStepTimeout))
	assert.Equal(t, int32(2), h.spawner.terminated.Load())
}

func TestRunPlanningFailureSpawnsNothing(t *testing.T) {
	client := &scriptedClient{plan: "I would rather not."}
	h := newHarness(t, client)
	o := h.orchestrator(t)

	report, err := o.Run(context.Background(), "refused")
	require.Error(t, err)
	assert.True(t, errors.Is(err, planner.ErrMalformedPlan))
	events := drain(o)

	assert.Nil(t, report.Plan)
	assert.Empty(t, report.Results)
	assert.Equal(t, int32(0), h.spawner.spawned.Load())
	assert.Equal(t, 1, countEvents(events, EventRunAborted))

	exists, err := h.store.Exists(context.Background(), mailbox.SharedStateKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunCancellationTearsDown(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	client := &scriptedClient{
		roles: []models.RoleName{"a"},
		reply: func(ctx context.Context, _ models.RoleName, _ string) (string, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	h := newHarness(t, client)
	o := h.orchestrator(t, WithPlan(&models.Plan{
		Roster: []models.RoleName{"a"},
		Steps: []models.Step{
			{Agent: "a", Instruction: "first"},
			{Agent: "a", Instruction: "second"},
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := o.Run(ctx, "cancel me")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	drain(o)

	require.Len(t, report.Results, 1)
	assert.Equal(t, models.StepStatusFailed, report.Results[0].Status)
	assert.Equal(t, RunStatusCanceled, report.FinalState["status"])
	assert.Equal(t, int32(1), h.spawner.terminated.Load())
	assert.Equal(t, []string{"first"}, client.instructions())
}

func TestRouteFirstMatchWins(t *testing.T) {
	handles := []*WorkerHandle{
		{ID: "w-1", Role: "dev"},
		{ID: "w-2", Role: "qa"},
		{ID: "w-3", Role: "dev"},
	}
	for range 10 {
		h, ok := route(handles, "dev")
		require.True(t, ok)
		assert.Equal(t, models.WorkerID("w-1"), h.ID)
	}
	_, ok := route(handles, "ops")
	assert.False(t, ok)
}

func TestRunStepTimeoutKeepsNextStepOnSameWorker(t *testing.T) {
	client := &scriptedClient{
		roles: []models.RoleName{"a"},
		reply: func(_ context.Context, _ models.RoleName, instruction string) (string, error) {
			if instruction == "slow" {
				time.Sleep(350 * time.Millisecond)
			}
			return "answer to " + instruction, nil
		},
	}
	h := newHarness(t, client)
	o := h.orchestrator(t,
		WithStepTimeout(300*time.Millisecond),
		WithPlan(&models.Plan{
			Roster: []models.RoleName{"a"},
			Steps: []models.Step{
				{Agent: "a", Instruction: "slow"},
				{Agent: "a", Instruction: "second"},
			},
		}))

	report, err := o.Run(context.Background(), "one worker, one slow step")
	require.NoError(t, err)
	drain(o)

	require.Len(t, report.Results, 2)
	assert.Equal(t, models.StepStatusTimeout, report.Results[0].Status)
	assert.Equal(t, models.StepStatusDone, report.Results[1].Status)
	assert.Equal(t, "answer to second", report.Results[1].Output)
	assert.Equal(t, []string{"slow", "second"}, client.instructions())
}

func TestDispatchWithdrawsUntakenCommand(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	o := h.orchestrator(t, WithPlan(&models.Plan{
		Roster: []models.RoleName{"a"},
		Steps:  []models.Step{{Agent: "a", Instruction: "x"}},
	}))

	// No worker listens on this ID.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Dispatch(ctx, "w-9-nobody", "lost")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pending, err := h.mailbox.Pending(context.Background(), "w-9-nobody")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatchDiscardsStaleResult(t *testing.T) {
	client := &scriptedClient{
		roles: []models.RoleName{"a"},
		reply: func(context.Context, models.RoleName, string) (string, error) { return "fresh", nil },
	}
	h := newHarness(t, client)
	o := h.orchestrator(t, WithPlan(&models.Plan{
		Roster: []models.RoleName{"a"},
		Steps:  []models.Step{{Agent: "a", Instruction: "x"}},
	}))

	ctx := context.Background()
	proc, err := h.spawner.Spawn(ctx, WorkerSpec{ID: "w-1-test", Role: "a"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = proc.Terminate(0)
		_ = proc.Wait()
	})
	require.NoError(t, h.mailbox.PostResult(ctx, "w-1-test", "earlier-command", "stale"))

	out, err := o.Dispatch(ctx, "w-1-test", "go")
	require.NoError(t, err)
	assert.Equal(t, "fresh", out)
}

func TestNewRequiresPlannerOrPlan(t *testing.T) {
	h := newHarness(t, &scriptedClient{})
	_, err := New(RequiredConfig{Mailbox: h.mailbox, Spawner: h.spawner})
	assert.ErrorIs(t, err, ErrNoPlanner)

	_, err = New(RequiredConfig{Spawner: h.spawner})
	assert.Error(t, err)
}

func TestNewWorkerID(t *testing.T) {
	id := string(NewWorkerID(3))
	assert.True(t, strings.HasPrefix(id, "w-3-"))
	assert.Len(t, id, len("w-3-")+8)
	assert.NotEqual(t, NewWorkerID(3), NewWorkerID(3))
}
