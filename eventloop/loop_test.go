package eventloop

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop task")
	}
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := NewLoop(nil)
	l.Start()
	defer l.Stop()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		l.Schedule(func() {
			got = append(got, i)
		})
	}
	l.Schedule(func() { close(done) })
	waitFor(t, done)

	require.Len(t, got, 100)
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestLoopIsCurrent(t *testing.T) {
	l := NewLoop(nil)
	l.Start()
	defer l.Stop()

	assert.False(t, l.IsCurrent(), "caller goroutine must not be the loop")

	inside := make(chan bool, 1)
	l.Schedule(func() { inside <- l.IsCurrent() })
	select {
	case v := <-inside:
		assert.True(t, v, "loop goroutine must report itself as current")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop task")
	}
}

func TestLoopIsCurrentBeforeStart(t *testing.T) {
	l := NewLoop(nil)
	assert.False(t, l.IsCurrent())
}

func TestLoopStopDrainsScheduledTasks(t *testing.T) {
	l := NewLoop(nil)
	l.Start()

	var count atomic.Int32
	for i := 0; i < 500; i++ {
		l.Schedule(func() { count.Add(1) })
	}
	l.Stop()

	assert.Equal(t, int32(500), count.Load())
}

func TestLoopScheduleAfterStopIsDiscarded(t *testing.T) {
	l := NewLoop(nil)
	l.Start()
	l.Stop()

	ran := make(chan struct{})
	l.Schedule(func() { close(ran) })
	select {
	case <-ran:
		t.Fatal("task ran after stop")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, l.Pending())
}

func TestLoopStopIsIdempotent(t *testing.T) {
	l := NewLoop(nil)
	l.Start()
	l.Stop()
	l.Stop()
}

func TestLoopRecoversFromTaskPanic(t *testing.T) {
	recovered := make(chan any, 1)
	l := NewLoop(func(v any) { recovered <- v })
	l.Start()
	defer l.Stop()

	l.Schedule(func() { panic("boom") })
	survived := make(chan struct{})
	l.Schedule(func() { close(survived) })

	select {
	case v := <-recovered:
		assert.Equal(t, "boom", v)
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
	waitFor(t, survived)
}

func TestLoopStartTwice(t *testing.T) {
	l := NewLoop(nil)
	l.Start()
	l.Start()
	defer l.Stop()

	done := make(chan struct{})
	l.Schedule(func() { close(done) })
	waitFor(t, done)
}

func TestPoolRoundRobin(t *testing.T) {
	p := NewPool(3, nil)
	require.Equal(t, 3, p.Size())

	first := p.Next()
	second := p.Next()
	third := p.Next()
	assert.NotSame(t, first, second)
	assert.NotSame(t, second, third)
	assert.NotSame(t, first, third)
	assert.Same(t, first, p.Next(), "fourth assignment wraps to the first loop")
}

func TestPoolDefaultSize(t *testing.T) {
	p := NewPool(0, nil)
	assert.Equal(t, runtime.NumCPU(), p.Size())
}

func TestPoolStartStop(t *testing.T) {
	p := NewPool(2, nil)
	p.Start()

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		p.Next().Schedule(func() { count.Add(1) })
	}
	p.Stop()

	assert.Equal(t, int32(10), count.Load())
}
