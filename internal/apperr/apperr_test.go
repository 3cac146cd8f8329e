package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := New(KindNotFound, "conversation not found")
	wrapped := fmt.Errorf("load: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrUnauthorized))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	err := ErrUnrepairable.WithDetail("candidates", []string{"u2", "u3"})

	assert.Nil(t, ErrUnrepairable.Detail)
	assert.Equal(t, []string{"u2", "u3"}, DetailOf(fmt.Errorf("send: %w", err))["candidates"])
	assert.True(t, errors.Is(err, ErrUnrepairable))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("deadlock")
	err := Wrap(KindTransient, "insert message", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "insert message: deadlock", err.Error())
}
