package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_FormatsWithoutCause(t *testing.T) {
	err := New(CodeRestoreSkipped, SeverityWarning, "no keyring entry")
	assert.Equal(t, "restore_skipped: no keyring entry", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}

func TestWrap_FormatsWithCauseAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeStoreCorrupt, SeverityFatal, cause)

	assert.Contains(t, err.Error(), "store_corrupt")
	assert.Contains(t, err.Error(), "disk full")
	assert.ErrorIs(t, err, cause)
}

func TestError_SatisfiesStandardErrorInterface(t *testing.T) {
	var err error = New(CodeKeyringDenied, SeverityError, "denied")
	assert.EqualError(t, err, "keyring_denied: denied")
}
