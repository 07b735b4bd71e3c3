package testing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtwoend/bga-dse/internal/store"
)

func TestGoroutineTest_CollectsNothingOnSuccess(t *testing.T) {
	gt := NewGoroutineTest(t)

	var counter atomic.Int32
	for i := 0; i < 10; i++ {
		gt.Go(func() error {
			counter.Add(1)
			return nil
		})
	}
	gt.Wait()

	if got := counter.Load(); got != 10 {
		t.Errorf("counter = %d, want 10", got)
	}
}

func TestGoroutineTest_ContextCancelledByWait(t *testing.T) {
	gt := NewGoroutineTestWithTimeout(t, 5*time.Second)
	ctx := gt.Context()

	gt.GoWithContext(func(ctx context.Context) error {
		if ctx.Err() != nil {
			return errors.New("context cancelled too early")
		}
		return nil
	})
	gt.Wait()

	if ctx.Err() == nil {
		t.Error("context should be cancelled after Wait")
	}
}

func TestWithTimeout(t *testing.T) {
	if err := WithTimeout(time.Second, func() error { return nil }); err != nil {
		t.Errorf("fast operation: %v", err)
	}

	release := make(chan struct{})
	defer close(release)
	err := WithTimeout(20*time.Millisecond, func() error {
		<-release
		return nil
	})
	if err == nil {
		t.Error("slow operation should time out")
	}
}

func TestEventually(t *testing.T) {
	var ready atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
	}()

	if err := Eventually(2*time.Second, 5*time.Millisecond, ready.Load); err != nil {
		t.Fatal(err)
	}
	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("never-true condition should fail")
	}
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := FixedClock(at)
	if !clock().Equal(at) || !clock().Equal(at) {
		t.Errorf("clock drifted from %v", at)
	}
}

func TestOpenStore(t *testing.T) {
	s := OpenStore(t, store.DriverSQLite)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("Health() = %v", err)
	}
}

func TestDevicePayload(t *testing.T) {
	got := string(DevicePayload("a", "b", "c", "87.5"))
	if want := `{"a":{"b":{"c":87.5}}}`; got != want {
		t.Errorf("DevicePayload() = %s, want %s", got, want)
	}
}
