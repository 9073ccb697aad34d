package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "not_found", ErrNotFound.Error())
	assert.Equal(t, "validation: unknown action \"x\"", NewError(KindValidation, "unknown action %q", "x").Error())

	cause := errors.New("dial tcp: refused")
	err := WrapError(KindUnresolvableApprovers, cause, "node %s", "finance")
	assert.Equal(t, "unresolvable_approvers: node finance: dial tcp: refused", err.Error())
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("process: %w", NewError(KindStaleAction, "node %s is not current", "review"))

	assert.ErrorIs(t, err, ErrStaleAction)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, KindStaleAction, KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))

	wrapped := WrapError(KindConcurrentModification, errors.New("version 3"), "commit")
	assert.ErrorIs(t, wrapped, ErrConcurrentModification)
	assert.Equal(t, KindConcurrentModification, KindOf(wrapped))
}
