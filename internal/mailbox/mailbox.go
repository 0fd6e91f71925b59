package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Slot suffixes. Each worker owns one key per slot: "<worker>.<slot>".
const (
	RoleSlot    = "role"
	CommandSlot = "cmd"
	ResultSlot  = "res"
	ReadySlot   = "ready"
)

// SharedStateKey holds the team-wide SharedState document.
const SharedStateKey = "shared_state"

// DefaultPollInterval is the fallback re-check period for blocking waits.
const DefaultPollInterval = 100 * time.Millisecond

// ErrSlotBusy is returned by SendCommand while a command is still pending
// for the worker.
var ErrSlotBusy = errors.New("mailbox: slot busy")

// Mailbox implements the single-slot command/result protocol on a Store.
//
// A present command slot means a message is pending; deleting it acknowledges
// delivery and re-arms the slot. Commands carry an ID that the result echoes,
// so a result that arrives after its step gave up is never taken for the
// answer to the next command.
type Mailbox struct {
	store  Store
	poll   time.Duration
	logger *zap.Logger
}

// New creates a mailbox over store. A non-positive poll uses DefaultPollInterval.
func New(store Store, poll time.Duration, logger *zap.Logger) *Mailbox {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailbox{
		store:  store,
		poll:   poll,
		logger: logger.With(zap.String("component", "mailbox")),
	}
}

// Store returns the underlying store.
func (m *Mailbox) Store() Store {
	return m.store
}

// SlotKey returns the store key of a worker slot.
func SlotKey(workerID, slot string) string {
	return workerID + "." + slot
}

// SetRole writes the worker's role description. Overwrites are allowed.
func (m *Mailbox) SetRole(ctx context.Context, workerID, role string) error {
	if err := m.store.Put(ctx, SlotKey(workerID, RoleSlot), []byte(role)); err != nil {
		return fmt.Errorf("set role for %s: %w", workerID, err)
	}
	return nil
}

// Role returns the worker's role description and whether one is set.
func (m *Mailbox) Role(ctx context.Context, workerID string) (string, bool, error) {
	data, err := m.store.Get(ctx, SlotKey(workerID, RoleSlot))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read role for %s: %w", workerID, err)
	}
	return string(data), true, nil
}

// Command is an instruction in a worker's command slot. ID is echoed by the
// result so a late answer to an earlier command can be told apart.
type Command struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	// Taken is set once the worker has started on the command.
	Taken bool `json:"taken,omitempty"`
}

type resultEnvelope struct {
	CommandID string `json:"command_id"`
	Output    string `json:"output"`
}

// decodeCommand reads a command slot. Untagged text is taken as a bare
// instruction with an empty ID.
func decodeCommand(data []byte) Command {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.ID == "" {
		return Command{Instruction: string(data)}
	}
	return cmd
}

func decodeResult(data []byte) resultEnvelope {
	var res resultEnvelope
	if err := json.Unmarshal(data, &res); err != nil || res.CommandID == "" {
		return resultEnvelope{Output: string(data)}
	}
	return res
}

// SendCommand places instruction in the worker's command slot and returns
// the command ID its result will carry. It fails with ErrSlotBusy while an
// earlier command is still pending.
func (m *Mailbox) SendCommand(ctx context.Context, workerID, instruction string) (string, error) {
	cmd := Command{ID: uuid.NewString(), Instruction: instruction}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode command for %s: %w", workerID, err)
	}
	err = m.store.Update(ctx, SlotKey(workerID, CommandSlot), func(_ []byte, exists bool) ([]byte, error) {
		if exists {
			return nil, fmt.Errorf("%w: %s has a pending command", ErrSlotBusy, workerID)
		}
		return data, nil
	})
	if errors.Is(err, ErrSlotBusy) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("send command to %s: %w", workerID, err)
	}
	return cmd.ID, nil
}

// ReceiveCommand blocks until a command is pending, marks it taken and
// returns it. The slot stays occupied until AckCommand.
func (m *Mailbox) ReceiveCommand(ctx context.Context, workerID string) (Command, error) {
	key := SlotKey(workerID, CommandSlot)
	for {
		if err := m.await(ctx, key); err != nil {
			return Command{}, err
		}
		var (
			cmd   Command
			found bool
		)
		err := m.store.Update(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
			found = exists
			if !exists {
				return nil, ErrKeepKey
			}
			cmd = decodeCommand(cur)
			if cmd.Taken || cmd.ID == "" {
				return nil, ErrKeepKey
			}
			cmd.Taken = true
			return json.Marshal(cmd)
		})
		if err != nil {
			return Command{}, fmt.Errorf("read command for %s: %w", workerID, err)
		}
		if found {
			return cmd, nil
		}
	}
}

// AckCommand deletes the command slot if it still holds commandID. A newer
// command is left in place.
func (m *Mailbox) AckCommand(ctx context.Context, workerID, commandID string) error {
	if _, err := m.deleteCommand(ctx, workerID, commandID, true); err != nil {
		return fmt.Errorf("ack command for %s: %w", workerID, err)
	}
	return nil
}

// ClearCommand withdraws commandID if the worker has not started on it and
// reports whether it did. A taken command stays until the worker acks it.
func (m *Mailbox) ClearCommand(ctx context.Context, workerID, commandID string) (bool, error) {
	removed, err := m.deleteCommand(ctx, workerID, commandID, false)
	if err != nil {
		return false, fmt.Errorf("clear command for %s: %w", workerID, err)
	}
	return removed, nil
}

func (m *Mailbox) deleteCommand(ctx context.Context, workerID, commandID string, taken bool) (bool, error) {
	removed := false
	err := m.store.Update(ctx, SlotKey(workerID, CommandSlot), func(cur []byte, exists bool) ([]byte, error) {
		removed = false
		if !exists {
			return nil, ErrKeepKey
		}
		cmd := decodeCommand(cur)
		if cmd.ID != commandID || (!taken && cmd.Taken) {
			return nil, ErrKeepKey
		}
		removed = true
		return nil, ErrDeleteKey
	})
	return removed, err
}

// PostResult writes the worker's answer to commandID into the result slot.
func (m *Mailbox) PostResult(ctx context.Context, workerID, commandID, output string) error {
	data, err := json.Marshal(resultEnvelope{CommandID: commandID, Output: output})
	if err != nil {
		return fmt.Errorf("encode result for %s: %w", workerID, err)
	}
	if err := m.store.Put(ctx, SlotKey(workerID, ResultSlot), data); err != nil {
		return fmt.Errorf("post result for %s: %w", workerID, err)
	}
	return nil
}

// AwaitResult blocks until the answer to commandID is present and consumes
// it. Results for other commands are consumed and dropped on the way.
func (m *Mailbox) AwaitResult(ctx context.Context, workerID, commandID string) (string, error) {
	key := SlotKey(workerID, ResultSlot)
	for {
		if err := m.await(ctx, key); err != nil {
			return "", err
		}
		var (
			res   resultEnvelope
			found bool
		)
		err := m.store.Update(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
			found = exists
			if !exists {
				return nil, ErrKeepKey
			}
			res = decodeResult(cur)
			return nil, ErrDeleteKey
		})
		if err != nil {
			return "", fmt.Errorf("consume result for %s: %w", workerID, err)
		}
		if !found {
			continue
		}
		if res.CommandID == commandID {
			return res.Output, nil
		}
		m.logger.Warn("dropped result for another command",
			zap.String("worker_id", workerID),
			zap.String("want", commandID),
			zap.String("got", res.CommandID))
	}
}

// DiscardResult drops a result nobody will read.
func (m *Mailbox) DiscardResult(ctx context.Context, workerID string) error {
	return m.store.Delete(ctx, SlotKey(workerID, ResultSlot))
}

// MarkReady publishes the worker's ready slot.
func (m *Mailbox) MarkReady(ctx context.Context, workerID string) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := m.store.Put(ctx, SlotKey(workerID, ReadySlot), []byte(stamp)); err != nil {
		return fmt.Errorf("mark %s ready: %w", workerID, err)
	}
	return nil
}

// AwaitReady blocks until the worker has published its ready slot.
func (m *Mailbox) AwaitReady(ctx context.Context, workerID string) error {
	return m.await(ctx, SlotKey(workerID, ReadySlot))
}

// ClearReady removes the worker's ready slot.
func (m *Mailbox) ClearReady(ctx context.Context, workerID string) error {
	return m.store.Delete(ctx, SlotKey(workerID, ReadySlot))
}

// Pending returns the message slots (command and result) still present for a worker.
func (m *Mailbox) Pending(ctx context.Context, workerID string) ([]string, error) {
	keys, err := m.store.Keys(ctx, workerID+".")
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, k := range keys {
		slot := strings.TrimPrefix(k, workerID+".")
		if slot == CommandSlot || slot == ResultSlot {
			pending = append(pending, k)
		}
	}
	return pending, nil
}

// Release removes every slot of a worker.
func (m *Mailbox) Release(ctx context.Context, workerID string) error {
	var errs []error
	for _, slot := range []string{RoleSlot, CommandSlot, ResultSlot, ReadySlot} {
		if err := m.store.Delete(ctx, SlotKey(workerID, slot)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Purge deletes every key in the store, shared state included, and returns
// how many were removed, also when it stops early on an error.
func (m *Mailbox) Purge(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			return i, fmt.Errorf("purge %s: %w", k, err)
		}
	}
	return len(keys), nil
}

// AwaitAck blocks until the worker has deleted its command slot.
func (m *Mailbox) AwaitAck(ctx context.Context, workerID string) error {
	return m.awaitState(ctx, SlotKey(workerID, CommandSlot), false)
}

func (m *Mailbox) await(ctx context.Context, key string) error {
	return m.awaitState(ctx, key, true)
}

// awaitState blocks until key's presence equals present. Store notifications
// wake it early; the poll interval covers notifications that never arrive.
func (m *Mailbox) awaitState(ctx context.Context, key string, present bool) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	changes := m.store.Watch(watchCtx, key)

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		ok, err := m.store.Exists(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ok == present {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-changes:
			if !open {
				changes = nil
			}
		case <-ticker.C:
		}
	}
}
