package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomyClassification(t *testing.T) {
	base := errors.New("socket timeout")

	t.Run("recoverable", func(t *testing.T) {
		err := Recoverable("fetch", base)
		assert.True(t, IsRecoverable(err))
		assert.False(t, IsAbort(err))
		assert.False(t, IsFatal(err))
		assert.ErrorIs(t, err, base)
	})

	t.Run("abort", func(t *testing.T) {
		err := Abort("preventive_validate", "empty enrichment")
		assert.True(t, IsAbort(err))
		assert.False(t, IsRecoverable(err))
		assert.Contains(t, err.Error(), "empty enrichment")
	})

	t.Run("fatal", func(t *testing.T) {
		err := Fatal("persist", base)
		assert.True(t, IsFatal(err))
		assert.False(t, IsRecoverable(err))
		assert.ErrorIs(t, err, base)
	})
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := Recoverable("fetch", errors.New("rate limited"))
	wrapped := fmt.Errorf("cycle 7: %w", inner)
	assert.True(t, IsRecoverable(wrapped))
}

func TestClassifyWrapsUnknownAsFatal(t *testing.T) {
	err := Classify("enrich", errors.New("nil map write"))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	err := Classify("fetch", Recoverable("fetch", errors.New("timeout")))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsFatal(err))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, Classify("any", nil))
}
