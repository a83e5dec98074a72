package util

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestNewULID_Monotonic(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		assert.Len(t, next, 26)
		assert.Equal(t, strings.ToLower(next), next)
		assert.Less(t, prev, next)
		prev = next
	}
}

type closer struct {
	closed bool
	err    error
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

func TestCloseResource(t *testing.T) {
	ok := &closer{}
	CloseResource("ok", ok)
	assert.True(t, ok.closed)

	failing := &closer{err: errors.New("boom")}
	assert.NotPanics(t, func() { CloseResource("failing", failing) })
	assert.True(t, failing.closed)
}
