package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunExecutesDueTasks(t *testing.T) {
	s := New()
	var n atomic.Int32
	s.Register(10*time.Millisecond, func() { n.Add(1) })

	go s.Run()
	time.Sleep(55 * time.Millisecond)
	require.GreaterOrEqual(t, n.Load(), int32(3))
}

func TestRunSwallowsPanics(t *testing.T) {
	s := New()
	var ok atomic.Bool
	s.Register(5*time.Millisecond, func() { panic("boom") })
	s.Register(5*time.Millisecond, func() { ok.Store(true) })

	go s.Run()
	time.Sleep(30 * time.Millisecond)
	require.True(t, ok.Load())
}

func TestRegisterRejectsNonPositiveInterval(t *testing.T) {
	s := New()
	require.Panics(t, func() { s.Register(0, func() {}) })
}
