package errorir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassContractual, ClassOf(CodeTimeout))
	assert.Equal(t, ClassContractual, ClassOf(CodeOutputDuplicate))
	assert.Equal(t, ClassOrchestration, ClassOf(CodeRegistryMismatch))
	assert.Equal(t, ClassOrchestration, ClassOf(Code("ERR_SOMETHING_NEW")))
	assert.False(t, Known(Code("ERR_SOMETHING_NEW")))
}

func TestError_IsAndCodeOf(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := fmt.Errorf("invoke: %w", Wrap(CodeAdapterInvocation, base, "transport failed"))

	require.True(t, errors.Is(err, &Error{Code: CodeAdapterInvocation}))
	assert.False(t, errors.Is(err, &Error{Code: CodeTimeout}))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, CodeAdapterInvocation, CodeOf(err))
	assert.True(t, HasCode(err, CodeAdapterInvocation))
	assert.Equal(t, Code(""), CodeOf(base))
}

func TestError_Message(t *testing.T) {
	err := New(CodeImageUnpinned, "no digest for %s", "linux/amd64")
	assert.Equal(t, "ERR_IMAGE_UNPINNED: no digest for linux/amd64", err.Error())
	assert.Equal(t, ClassOrchestration, err.Class())
}
