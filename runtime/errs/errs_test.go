package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhanglunet/agent-society/runtime/errs"
)

func TestIsMatchesByKindNotMessage(t *testing.T) {
	err := errs.New(errs.LLMCallFailed, "dial tcp: timeout", fmt.Errorf("underlying"))
	assert.True(t, errors.Is(err, errs.ErrLLMCallFailed))
	assert.False(t, errors.Is(err, errs.ErrLLMCallAborted))
}

func TestKindOfExtractsWrappedError(t *testing.T) {
	inner := errs.New(errs.ToolExecutionFailed, "tool x failed", nil)
	wrapped := fmt.Errorf("turn loop: %w", inner)
	kind, ok := errs.KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, errs.ToolExecutionFailed, kind)
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := errs.New(errs.LLMCallFailed, "", cause)
	assert.ErrorIs(t, err, cause)
}
