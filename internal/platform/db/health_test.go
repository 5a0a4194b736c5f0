package db

import (
	"context"
	"errors"
	"testing"
)

func TestCheck_AllHealthy(t *testing.T) {
	results, healthy := Check(context.Background(), map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return nil }),
	})
	if !healthy {
		t.Fatal("expected healthy")
	}
	if results["database"] != "ok" || results["redis"] != "ok" {
		t.Errorf("unexpected results: %v", results)
	}
}

func TestCheck_OneFailing(t *testing.T) {
	results, healthy := Check(context.Background(), map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	if healthy {
		t.Fatal("expected unhealthy")
	}
	if results["redis"] != "unhealthy: connection refused" {
		t.Errorf("unexpected redis result: %q", results["redis"])
	}
	if results["database"] != "ok" {
		t.Errorf("unexpected database result: %q", results["database"])
	}
}

func TestCheck_DeadlineApplied(t *testing.T) {
	_, healthy := Check(context.Background(), map[string]Pinger{
		"database": PingFunc(func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		}),
	})
	if !healthy {
		t.Error("expected pinger to receive a context with deadline")
	}
}
