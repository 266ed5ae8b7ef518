package workerpool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(Config{Workers: 4, Buffer: 16})

	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		p.Submit(func() {
			ran.Add(1)
		})
	}
	p.Close()

	assert.Equal(t, int64(100), ran.Load())
}

func TestPoolDefaults(t *testing.T) {
	p := New(Config{})
	assert.Greater(t, p.Workers(), 0)
	p.Close()
}

func TestSubmitAfterCloseIsDropped(t *testing.T) {
	p := New(Config{Workers: 1})
	p.Close()

	var ran atomic.Int64
	p.Submit(func() { ran.Add(1) })
	assert.Equal(t, int64(0), ran.Load())
}
