package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/peersetd/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduleFiresOnce(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(clk)
	defer s.Close()

	fired := make(chan struct{}, 2)
	s.Schedule("txn-1", time.Second, func() { fired <- struct{}{} })
	if !s.Pending("txn-1") {
		t.Fatal("expected pending task")
	}
	clk.Advance(time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
	waitFor(t, func() bool { return !s.Pending("txn-1") })
}

func TestRescheduleReplacesEarlierTask(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(clk)
	defer s.Close()

	var first, second atomic.Int32
	s.Schedule("k", time.Second, func() { first.Add(1) })
	s.Schedule("k", 2*time.Second, func() { second.Add(1) })
	if s.Len() != 1 {
		t.Fatalf("expected one pending task, got %d", s.Len())
	}
	clk.Advance(3 * time.Second)
	waitFor(t, func() bool { return second.Load() == 1 })
	if first.Load() != 0 {
		t.Fatal("replaced task fired")
	}
}

func TestCancelPreventsRun(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	s := New(clk)
	defer s.Close()

	var ran atomic.Bool
	s.Schedule("k", time.Second, func() { ran.Store(true) })
	if !s.Cancel("k") {
		t.Fatal("expected cancel to find pending task")
	}
	if s.Cancel("k") {
		t.Fatal("second cancel must report false")
	}
	clk.Advance(time.Minute)
	if ran.Load() {
		t.Fatal("cancelled task ran")
	}
}

func TestCloseDropsPendingAndRejectsNewTasks(t *testing.T) {
	s := New(clock.Real{})
	for _, key := range []string{"a", "b", "c"} {
		s.Schedule(key, time.Hour, func() { t.Error("task ran after close") })
	}
	s.Close()
	if s.Len() != 0 {
		t.Fatalf("expected no pending tasks, got %d", s.Len())
	}
	if s.Schedule("d", time.Millisecond, func() {}) {
		t.Fatal("schedule after close must fail")
	}
}

func TestCloseWaitsForRunningTask(t *testing.T) {
	s := New(clock.Real{})
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s.Schedule("slow", 0, func() {
		close(started)
		<-release
		finished.Store(true)
	})
	<-started
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	s.Close()
	if !finished.Load() {
		t.Fatal("close returned before running task finished")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
