package toolerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromErrorBuildsChain(t *testing.T) {
	root := errors.New("connection refused")
	wrapped := fmt.Errorf("fetch page: %w", root)

	te := FromError(wrapped)
	require.Equal(t, "fetch page: connection refused", te.Message)
	require.NotNil(t, te.Cause)
	require.Equal(t, "connection refused", te.Cause.Message)
	require.Nil(t, FromError(nil))
}

func TestFromErrorKeepsExisting(t *testing.T) {
	te := NewWithCause("crawl", "timeout", nil)
	require.Same(t, te, FromError(fmt.Errorf("outer: %w", te)))
}

func TestText(t *testing.T) {
	require.Equal(t, "Error: tool bash failed: exit 1", Text(NewWithCause("bash", "exit 1", nil)))
	require.Equal(t, "Error: plain", Text(errors.New("plain")))
	require.Empty(t, Text(nil))
}

func TestIs(t *testing.T) {
	require.True(t, Is(fmt.Errorf("x: %w", Errorf("bad %d", 1))))
	require.False(t, Is(errors.New("x")))
}
