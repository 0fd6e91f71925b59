package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ShayCichocki/cohort/internal/mailbox"
	"github.com/ShayCichocki/cohort/internal/reasoning"
	"github.com/ShayCichocki/cohort/pkg/models"
)

type recordingClient struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (c *recordingClient) Generate(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	reply := c.reply
	c.mu.Unlock()
	return reply(prompt)
}

func (c *recordingClient) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

// startWorker runs w in the background and returns a stop function that
// cancels it and waits for Run to return.
func startWorker(t *testing.T, w *Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func exchange(t *testing.T, mb *mailbox.Mailbox, id, instruction string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mb.AwaitReady(ctx, id))
	require.NoError(t, mb.AwaitAck(ctx, id))
	cmdID, err := mb.SendCommand(ctx, id, instruction)
	require.NoError(t, err)
	result, err := mb.AwaitResult(ctx, id, cmdID)
	require.NoError(t, err)
	require.NoError(t, mb.AwaitAck(ctx, id))
	return result
}

func TestWorkerMergesStructuredOutput(t *testing.T) {
	store := mailbox.NewMemoryStore()
	mb := mailbox.New(store, 10*time.Millisecond, nil)
	ss := mailbox.NewSharedState(store)
	ctx := context.Background()
	require.NoError(t, ss.Init(ctx, map[string]any{"project_goal": "build a landing page", "status": "started"}))

	client := &recordingClient{reply: func(string) (string, error) {
		return "Here is the design:\n{\"palette\": \"navy\", \"sections\": [\"hero\", \"footer\"]}", nil
	}}
	w := New("w-1-aaaa", mb, client, WithRole("designer"), WithLogger(zaptest.NewLogger(t)))
	stop := startWorker(t, w)

	result := exchange(t, mb, "w-1-aaaa", "Design the layout")
	assert.Contains(t, result, `"palette": "navy"`)

	state, err := ss.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "navy", state["palette"])
	assert.Equal(t, "build a landing page", state["project_goal"])

	prompt := client.lastPrompt()
	assert.True(t, strings.HasPrefix(prompt, "You are an expert in designer."))
	assert.Contains(t, prompt, `"project_goal": "build a landing page"`)
	assert.Contains(t, prompt, "Design the layout")

	require.NoError(t, stop())
	pending, err := mb.Pending(ctx, "w-1-aaaa")
	require.NoError(t, err)
	assert.Empty(t, pending)
	ready, err := store.Exists(ctx, mailbox.SlotKey("w-1-aaaa", mailbox.ReadySlot))
	require.NoError(t, err)
	assert.False(t, ready, "ready slot must be cleared on exit")
}

func TestWorkerPlainTextLeavesStateUntouched(t *testing.T) {
	store := mailbox.NewMemoryStore()
	mb := mailbox.New(store, 10*time.Millisecond, nil)
	ss := mailbox.NewSharedState(store)
	ctx := context.Background()
	require.NoError(t, ss.Init(ctx, map[string]any{"status": "started"}))

	client := &recordingClient{reply: func(string) (string, error) { return "Just prose, no object.", nil }}
	stop := startWorker(t, New("w-1", mb, client))

	assert.Equal(t, "Just prose, no object.", exchange(t, mb, "w-1", "Write a tagline"))

	state, err := ss.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "started"}, state)
	require.NoError(t, stop())
}

func TestWorkerReasoningFailureBecomesResult(t *testing.T) {
	mb := mailbox.New(mailbox.NewMemoryStore(), 10*time.Millisecond, nil)
	client := &recordingClient{reply: func(string) (string, error) {
		return "", &reasoning.Error{Kind: reasoning.KindExit, Backend: "gemini", ExitCode: 1, Stderr: "quota"}
	}}
	stop := startWorker(t, New("w-1", mb, client))

	result := exchange(t, mb, "w-1", "anything")
	assert.True(t, strings.HasPrefix(result, "Error executing task: "), result)
	assert.Contains(t, result, "quota")

	// The worker keeps serving after a failure.
	client.mu.Lock()
	client.reply = func(string) (string, error) { return "recovered", nil }
	client.mu.Unlock()
	assert.Equal(t, "recovered", exchange(t, mb, "w-1", "again"))
	require.NoError(t, stop())
}

func TestWorkerCorruptStateIsTreatedAsEmpty(t *testing.T) {
	store := mailbox.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, mailbox.SharedStateKey, []byte("{broken")))
	mb := mailbox.New(store, 10*time.Millisecond, nil)

	client := &recordingClient{reply: func(string) (string, error) { return "ok", nil }}
	stop := startWorker(t, New("w-1", mb, client))

	assert.Equal(t, "ok", exchange(t, mb, "w-1", "go"))
	assert.Contains(t, client.lastPrompt(), "Shared project state:\n{}")
	require.NoError(t, stop())
}

func TestWorkerDefaultRoleAndLateRoleAssignment(t *testing.T) {
	mb := mailbox.New(mailbox.NewMemoryStore(), 10*time.Millisecond, nil)
	client := &recordingClient{reply: func(string) (string, error) { return "ok", nil }}
	stop := startWorker(t, New("w-1", mb, client))

	exchange(t, mb, "w-1", "first")
	assert.True(t, strings.HasPrefix(client.lastPrompt(), "You are a helpful assistant."))

	require.NoError(t, mb.SetRole(context.Background(), "w-1", DescribeRole("copywriter")))
	exchange(t, mb, "w-1", "second")
	assert.True(t, strings.HasPrefix(client.lastPrompt(), "You are an expert in copywriter."))
	require.NoError(t, stop())
}

func TestWorkerIdleTimeout(t *testing.T) {
	mb := mailbox.New(mailbox.NewMemoryStore(), 10*time.Millisecond, nil)
	client := &recordingClient{reply: func(string) (string, error) { return "", errors.New("unused") }}
	w := New("w-idle", mb, client, WithIdleTimeout(50*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored its idle timeout")
	}
}

func TestWorkerCancelledMidCallDropsResult(t *testing.T) {
	store := mailbox.NewMemoryStore()
	mb := mailbox.New(store, 10*time.Millisecond, nil)

	started := make(chan struct{})
	client := reasoning.ClientFunc(func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	stop := startWorker(t, New("w-1", mb, client))

	ctx := context.Background()
	require.NoError(t, mb.AwaitReady(ctx, "w-1"))
	_, err := mb.SendCommand(ctx, "w-1", "long task")
	require.NoError(t, err)
	<-started
	require.NoError(t, stop())

	ok, err := store.Exists(ctx, mailbox.SlotKey("w-1", mailbox.ResultSlot))
	require.NoError(t, err)
	assert.False(t, ok, "no result after termination")
	ok, err = store.Exists(ctx, mailbox.SlotKey("w-1", mailbox.CommandSlot))
	require.NoError(t, err)
	assert.False(t, ok, "command is still acknowledged")
}

func TestWorkerAckLeavesNewerCommand(t *testing.T) {
	store := mailbox.NewMemoryStore()
	mb := mailbox.New(store, 10*time.Millisecond, nil)

	release := make(chan struct{})
	client := &recordingClient{reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "first") {
			<-release
			return "answer to first", nil
		}
		return "answer to second", nil
	}}
	stop := startWorker(t, New("w-1", mb, client))
	defer func() { require.NoError(t, stop()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mb.AwaitReady(ctx, "w-1"))
	firstID, err := mb.SendCommand(ctx, "w-1", "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.lastPrompt() != "" }, 2*time.Second, 5*time.Millisecond)

	// Another command replaces the one in progress.
	key := mailbox.SlotKey("w-1", mailbox.CommandSlot)
	require.NoError(t, store.Put(ctx, key, []byte(`{"id":"second-id","instruction":"second"}`)))
	close(release)

	second, err := mb.AwaitResult(ctx, "w-1", "second-id")
	require.NoError(t, err)
	assert.Equal(t, "answer to second", second)
	assert.NotEqual(t, "second-id", firstID)
	require.NoError(t, mb.AwaitAck(ctx, "w-1"))
}

func TestComposePrompt(t *testing.T) {
	prompt := ComposePrompt(DescribeRole(models.RoleName("tester")), map[string]any{"k": "v"}, "Test it")
	assert.Contains(t, prompt, "You are an expert in tester.")
	assert.Contains(t, prompt, "\"k\": \"v\"")
	assert.Contains(t, prompt, "Your task:\nTest it")
}
