package response

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("String", func(t *testing.T) {
		e := &Error{Code: ExtractionError, Message: "test error message"}
		assert.Equal(t, "error occurred, code 3 (ExtractionError): test error message", e.String())
	})

	t.Run("MatchesSentinelByCode", func(t *testing.T) {
		err := Errorf(NotFound, "archive missing: path=%q", "/tmp/a.tgz")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NotErrorIs(t, err, ErrInsufficientSpace)
	})

	t.Run("MatchesThroughWrapping", func(t *testing.T) {
		err := fmtWrap(Errorf(LeaseLost, "lease reaped"))
		assert.ErrorIs(t, err, ErrLeaseLost)
	})

	t.Run("KeepsCause", func(t *testing.T) {
		err := Errorf(NotFound, "could not stat archive: %w", fs.ErrNotExist)
		assert.ErrorIs(t, err, fs.ErrNotExist)
		assert.Contains(t, err.Error(), "file does not exist")

		var target *Error
		assert.True(t, errors.As(err, &target))
		assert.Equal(t, NotFound, target.Code)
	})

	t.Run("UnknownCodeName", func(t *testing.T) {
		assert.Equal(t, "UnknownErrorCode", ErrorCode(99).String())
	})
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("outer"), err)
}
