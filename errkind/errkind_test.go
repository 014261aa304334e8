package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := errors.New("boom")
	err := New(TryAgain, "dlm.Acquire", base)

	require.True(t, Is(err, TryAgain))
	require.False(t, Is(err, BadState))
	require.ErrorIs(t, err, base)
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), NotFound))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "try-again", TryAgain.String())
	require.Equal(t, "unclassified", Unclassified.String())
}
