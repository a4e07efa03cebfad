package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := Conflict("lifecycle.start", "session %s already started", "s1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, "lifecycle.start: session s1 already started", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.ErrorIs(t, wrapped, ErrConflict)
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestTransientWrap(t *testing.T) {
	assert.Nil(t, Transient("op", nil))

	base := errors.New("connection refused")
	err := Transient("session.get", base)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, base)
	assert.True(t, IsRetryable(err))

	// already-classified errors keep their kind
	nf := NotFound("session.get", "missing")
	assert.ErrorIs(t, Transient("x", nf), ErrNotFound)
	assert.False(t, IsRetryable(nf))
	assert.Equal(t, Kind(""), KindOf(base))
}
