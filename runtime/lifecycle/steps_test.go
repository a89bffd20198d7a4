package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhanglunet/agent-society/runtime/lifecycle"
)

func TestStepCounterExceedsCeiling(t *testing.T) {
	c := lifecycle.NewStepCounter(3)

	count, exceeded := c.Increment("t1")
	assert.Equal(t, 1, count)
	assert.False(t, exceeded)

	c.Increment("t1")
	count, exceeded = c.Increment("t1")
	assert.Equal(t, 3, count)
	assert.False(t, exceeded)

	count, exceeded = c.Increment("t1")
	assert.Equal(t, 4, count)
	assert.True(t, exceeded)
}

func TestStepCounterTracksTasksIndependently(t *testing.T) {
	c := lifecycle.NewStepCounter(1)

	_, exceeded := c.Increment("t1")
	assert.False(t, exceeded)
	_, exceeded = c.Increment("t2")
	assert.False(t, exceeded)
}

func TestStepCounterDisabledWhenMaxIsZero(t *testing.T) {
	c := lifecycle.NewStepCounter(0)
	for i := 0; i < 500; i++ {
		_, exceeded := c.Increment("t1")
		assert.False(t, exceeded)
	}
}

func TestStepCounterForgetResetsCount(t *testing.T) {
	c := lifecycle.NewStepCounter(2)
	c.Increment("t1")
	c.Increment("t1")
	c.Forget("t1")

	count, exceeded := c.Increment("t1")
	assert.Equal(t, 1, count)
	assert.False(t, exceeded)
}
