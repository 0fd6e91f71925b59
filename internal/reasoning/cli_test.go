package reasoning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	c := NewCLIClient("gemini", []string{"-p", "{prompt}", "--approval-mode", "yolo"}, 0, nil)
	assert.Equal(t, []string{"-p", "hi there", "--approval-mode", "yolo"}, c.BuildArgs("hi there"))

	c = NewCLIClient("llm", []string{"--quiet"}, 0, nil)
	assert.Equal(t, []string{"--quiet", "hi"}, c.BuildArgs("hi"))

	c = NewCLIClient("llm", []string{"--msg={prompt}"}, 0, nil)
	assert.Equal(t, []string{"--msg=hi"}, c.BuildArgs("hi"))
}

func TestCLIClientGenerate(t *testing.T) {
	c := NewCLIClient("sh", []string{"-c", `printf '  %s  \n' "$0"`, "{prompt}"}, 0, nil)

	out, err := c.Generate(context.Background(), "design the hero section")
	require.NoError(t, err)
	assert.Equal(t, "design the hero section", out)
}

func TestCLIClientNotFound(t *testing.T) {
	c := NewCLIClient("cohort-no-such-binary-xyz", nil, 0, nil)

	_, err := c.Generate(context.Background(), "hello")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindNotFound, rerr.Kind)
}

func TestCLIClientExitError(t *testing.T) {
	c := NewCLIClient("sh", []string{"-c", "echo quota exceeded >&2; exit 3"}, 0, nil)

	_, err := c.Generate(context.Background(), "hello")
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindExit, rerr.Kind)
	assert.Equal(t, 3, rerr.ExitCode)
	assert.Contains(t, rerr.Error(), "quota exceeded")
}

func TestCLIClientTimeout(t *testing.T) {
	c := NewCLIClient("sleep", []string{"5"}, 50*time.Millisecond, nil)

	start := time.Now()
	_, err := c.Generate(context.Background(), "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindTransport, rerr.Kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindExit, Backend: "gemini", ExitCode: 1, Stderr: "bad flag\n"}
	assert.Equal(t, "gemini non-zero exit (code 1): bad flag", err.Error())

	inner := errors.New("connection reset")
	err = &Error{Kind: KindTransport, Backend: "anthropic", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "anthropic transport: connection reset", err.Error())
}
