package session

import (
	"sync"
	"testing"
	"time"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Settle()

	if len(got) != 100 {
		t.Fatalf("ran %d closures, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("closure %d ran at position %d", v, i)
		}
	}
}

func TestLoopPostFromLoop(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	var got []string
	l.Call(func() {
		got = append(got, "outer")
		l.Post(func() { got = append(got, "inner") })
	})
	l.Settle()

	if len(got) != 2 || got[1] != "inner" {
		t.Fatalf("got %v", got)
	}
}

func TestSettleWaitsForChainedWork(t *testing.T) {
	l := NewLoop()
	go l.Run()
	defer l.Stop()

	var mu sync.Mutex
	steps := 0
	var step func(n int)
	step = func(n int) {
		l.Go(func() {
			time.Sleep(2 * time.Millisecond)
			l.Post(func() {
				mu.Lock()
				steps++
				mu.Unlock()
				if n > 1 {
					step(n - 1)
				}
			})
		})
	}
	l.Call(func() { step(3) })
	l.Settle()

	mu.Lock()
	defer mu.Unlock()
	if steps != 3 {
		t.Fatalf("steps = %d, want 3", steps)
	}
}

func TestLoopStop(t *testing.T) {
	l := NewLoop()
	go l.Run()
	l.Stop()
	l.Stop()

	if l.Post(func() {}) {
		t.Fatal("Post after Stop should report false")
	}
	if l.Call(func() {}) {
		t.Fatal("Call after Stop should report false")
	}
}
