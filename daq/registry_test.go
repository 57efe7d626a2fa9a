package daq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	require := require.New(t)

	Register(nil)
	require.Nil(Active())

	first := &fakeClient{}
	Register(first)
	require.Same(first, Active().(*fakeClient))

	// last registered client wins
	second := &fakeClient{}
	Register(second)
	require.Same(second, Active().(*fakeClient))

	Register(nil)
	require.Nil(Active())
}
