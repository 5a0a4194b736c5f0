package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	err      error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held[key] {
		return nil, false, nil
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
		f.released = append(f.released, key)
	}, true, nil
}

func TestRunOnce_RunsAndReleases(t *testing.T) {
	locker := newFakeLocker()
	s := New(zerolog.Nop(), locker, nil)

	ran := false
	err := s.RunOnce(context.Background(), Job{Name: "followup-sweep", Run: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected job context to carry a deadline")
		}
		ran = true
		return nil
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("expected job to run")
	}
	if len(locker.released) != 1 || locker.released[0] != "job:followup-sweep" {
		t.Errorf("expected lock release, got %v", locker.released)
	}
}

func TestRunOnce_SkipsWhenLocked(t *testing.T) {
	locker := newFakeLocker()
	locker.held["job:followup-sweep"] = true
	s := New(zerolog.Nop(), locker, nil)

	err := s.RunOnce(context.Background(), Job{Name: "followup-sweep", Run: func(context.Context) error {
		t.Error("job must not run while another holder has the lock")
		return nil
	}})
	if err != nil {
		t.Fatalf("expected skip without error, got %v", err)
	}
}

func TestRunOnce_LockError(t *testing.T) {
	locker := newFakeLocker()
	locker.err = errors.New("redis down")
	s := New(zerolog.Nop(), locker, nil)

	err := s.RunOnce(context.Background(), Job{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, locker.err) {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestRunOnce_JobErrorStillReleases(t *testing.T) {
	locker := newFakeLocker()
	s := New(zerolog.Nop(), locker, nil)
	boom := errors.New("boom")

	err := s.RunOnce(context.Background(), Job{Name: "x", Run: func(context.Context) error { return boom }})
	if !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if len(locker.released) != 1 {
		t.Error("expected lock to be released after failure")
	}
}

func TestAdd_Validation(t *testing.T) {
	s := New(zerolog.Nop(), nil, nil)
	if err := s.Add(Job{Name: "x", Spec: "@weekly"}); err == nil {
		t.Error("expected error for missing run function")
	}
	if err := s.Add(Job{Name: "x", Spec: "not a cron", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("expected error for invalid spec")
	}
	if err := s.Add(Job{Name: "x", Spec: "@weekly", Run: func(context.Context) error { return nil }}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := s.Add(Job{Name: "y", Spec: "0 7 * * MON", Run: func(context.Context) error { return nil }}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	s := New(zerolog.Nop(), nil, time.UTC)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestLocalLocker(t *testing.T) {
	release, ok, err := LocalLocker{}.TryLock(context.Background(), "k", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock, got ok=%v err=%v", ok, err)
	}
	release()
}
