package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorruptState reports a SharedState document that could not be decoded.
// Readers recover by treating the state as empty.
var ErrCorruptState = errors.New("mailbox: shared state is corrupt")

// SharedState is the team-wide document every worker reads before a task and
// merges structured output into.
type SharedState struct {
	store Store
}

// NewSharedState binds SharedState to store.
func NewSharedState(store Store) *SharedState {
	return &SharedState{store: store}
}

// Init replaces the whole document. It is the only full replacement.
func (s *SharedState) Init(ctx context.Context, initial map[string]any) error {
	if initial == nil {
		initial = map[string]any{}
	}
	data, err := json.Marshal(initial)
	if err != nil {
		return fmt.Errorf("encode shared state: %w", err)
	}
	if err := s.store.Put(ctx, SharedStateKey, data); err != nil {
		return fmt.Errorf("init shared state: %w", err)
	}
	return nil
}

// Load returns the current document. An absent document is empty. A corrupt
// one is also returned as empty, together with an error wrapping ErrCorruptState.
func (s *SharedState) Load(ctx context.Context) (map[string]any, error) {
	data, err := s.store.Get(ctx, SharedStateKey)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return map[string]any{}, fmt.Errorf("read shared state: %w", err)
	}
	state, err := decodeState(data)
	if err != nil {
		return map[string]any{}, err
	}
	return state, nil
}

// Merge overwrites the document's keys with update's keys atomically and
// returns the merged document. A corrupt document is replaced by update.
func (s *SharedState) Merge(ctx context.Context, update map[string]any) (map[string]any, error) {
	var merged map[string]any
	err := s.store.Update(ctx, SharedStateKey, func(cur []byte, exists bool) ([]byte, error) {
		state := map[string]any{}
		if exists {
			if decoded, err := decodeState(cur); err == nil {
				state = decoded
			}
		}
		merged = MergeInto(state, update)
		return json.Marshal(merged)
	})
	if err != nil {
		return nil, fmt.Errorf("merge shared state: %w", err)
	}
	return merged, nil
}

// Set overwrites one key.
func (s *SharedState) Set(ctx context.Context, key string, value any) error {
	_, err := s.Merge(ctx, map[string]any{key: value})
	return err
}

// MergeInto overwrites dst's keys with src's and returns dst.
func MergeInto(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Render formats a document as indented JSON for prompts.
func Render(state map[string]any) string {
	if state == nil {
		state = map[string]any{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeState(data []byte) (map[string]any, error) {
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state == nil {
		// "null" decodes to a nil map.
		state = map[string]any{}
	}
	return state, nil
}
