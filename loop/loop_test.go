package loop

import (
	"sync"
	"testing"
)

func TestTasksRunInOrder(t *testing.T) {
	l := New(16)
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		if err := l.Post(func() { got = append(got, i) }); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()
	for i, v := range got {
		if v != i {
			t.Fatalf("task order broken: %v", got)
		}
	}
	if len(got) != 10 {
		t.Fatalf("ran %d tasks, want 10", len(got))
	}
}

func TestSingleGoroutineExecution(t *testing.T) {
	l := New(4)
	defer l.Close()

	// Concurrent posters mutating shared state without their own locking:
	// the loop's serialization is the only protection. Run with -race.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.PostWait(func() { counter++ })
		}()
	}
	wg.Wait()
	done := make(chan int, 1)
	l.Post(func() { done <- counter })
	if n := <-done; n != 50 {
		t.Fatalf("counter = %d, want 50", n)
	}
}

func TestPostWaitCompletes(t *testing.T) {
	l := New(1)
	defer l.Close()
	ran := false
	if err := l.PostWait(func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatalf("PostWait returned before the task ran")
	}
}

func TestPostAfterClose(t *testing.T) {
	l := New(1)
	l.Close()
	if err := l.Post(func() {}); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if l.TryPost(func() {}) {
		t.Fatalf("TryPost should fail after Close")
	}
	// Closing twice must not panic.
	l.Close()
}

func TestCloseRunsQueuedTasks(t *testing.T) {
	l := New(32)
	ran := 0
	for i := 0; i < 20; i++ {
		l.Post(func() { ran++ })
	}
	l.Close()
	if ran != 20 {
		t.Fatalf("ran %d queued tasks, want 20", ran)
	}
}
