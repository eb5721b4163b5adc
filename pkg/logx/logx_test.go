package logx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDebug(t *testing.T) {
	defer SetDebug(false)

	SetDebug(false)
	assert.False(t, IsDebugEnabledFor("sandbox-engine"))

	SetDebug(true)
	assert.True(t, IsDebugEnabledFor("sandbox-engine"))
}

func TestWrap(t *testing.T) {
	sentinel := errors.New("connect refused")

	wrapped := Wrap(sentinel, "opening task store")
	require.Error(t, wrapped)
	assert.Equal(t, "opening task store: connect refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, sentinel)

	assert.NoError(t, Wrap(nil, "ignored"))
}
