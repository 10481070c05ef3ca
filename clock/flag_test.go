package clock

import (
	"context"
	"testing"
	"time"
)

func TestFlagSetBeforeWaitReturnsImmediately(t *testing.T) {
	t.Parallel()
	f := NewFlag()
	f.Set()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if !f.Wait(ctx) {
		t.Fatal("Wait() after Set() should return true immediately")
	}
}

func TestFlagWaitBlocksUntilSet(t *testing.T) {
	t.Parallel()
	f := NewFlag()

	done := make(chan bool, 1)
	go func() {
		done <- f.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait() returned before Set()")
	case <-time.After(20 * time.Millisecond):
	}

	f.Set()
	if !<-done {
		t.Fatal("Wait() should return true after Set()")
	}
}

func TestFlagClearResetsLatch(t *testing.T) {
	t.Parallel()
	f := NewFlag()
	f.Set()
	f.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if f.Wait(ctx) {
		t.Fatal("Wait() should block after Clear()")
	}
}

func TestFlagWaitUntilTimesOut(t *testing.T) {
	t.Parallel()
	f := NewFlag()
	sys := NewSystem()

	woken := f.WaitUntil(context.Background(), sys, time.Now().Add(10*time.Millisecond))
	if woken {
		t.Fatal("WaitUntil should report timeout, not Set wakeup")
	}
}

func TestFlagWaitUntilWokenBySet(t *testing.T) {
	t.Parallel()
	f := NewFlag()
	sys := NewSystem()

	result := make(chan bool, 1)
	go func() {
		result <- f.WaitUntil(context.Background(), sys, time.Now().Add(time.Second))
	}()

	time.Sleep(10 * time.Millisecond)
	f.Set()

	if !<-result {
		t.Fatal("WaitUntil should report Set wakeup")
	}
}
