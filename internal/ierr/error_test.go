package ierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	cause := errors.New("bid too low")
	err := New(ErrorCodeFailedPrecondition, cause)

	assert.Equal(t, "FailedPrecondition: bid too low", err.Error())
	assert.Equal(t, "bid too low", err.Message)
	assert.ErrorIs(t, err, cause)
}

func TestCodeOf(t *testing.T) {
	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("place bid: %w", Newf(ErrorCodeUnauthenticated, "token expired"))

		code, ok := CodeOf(err)
		assert.True(t, ok)
		assert.Equal(t, ErrorCodeUnauthenticated, code)
		assert.True(t, IsCode(err, ErrorCodeUnauthenticated))
	})

	t.Run("plain error", func(t *testing.T) {
		_, ok := CodeOf(errors.New("boom"))
		assert.False(t, ok)
		assert.False(t, IsCode(nil, ErrorCodeInternal))
	})
}
