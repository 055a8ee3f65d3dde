package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/worker"
)

type countingRunner struct {
	calls int32
}

func (r *countingRunner) RunAll(ctx context.Context) worker.Summary {
	atomic.AddInt32(&r.calls, 1)
	return worker.Summary{Total: 1, Succeeded: 1}
}

func TestRunOnStartAndStop(t *testing.T) {
	runner := &countingRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	var group sync.WaitGroup
	err := Run(ctx, &Config{
		Schedule:   "0 7 * * *",
		RunOnStart: true,
		Runner:     runner,
		Log:        logging.Discard(),
	}, &group)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&runner.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	if calls := atomic.LoadInt32(&runner.calls); calls != 1 {
		t.Fatalf("expected exactly the start run, got %d", calls)
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	var group sync.WaitGroup
	err := Run(context.Background(), &Config{
		Schedule: "every morning",
		Runner:   &countingRunner{},
		Log:      logging.Discard(),
	}, &group)
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestRunFiresOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	runner := &countingRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var group sync.WaitGroup
	if err := Run(ctx, &Config{Schedule: "@every 1s", Runner: runner, Log: logging.Discard()}, &group); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&runner.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&runner.calls) == 0 {
		t.Fatal("scheduled run never fired")
	}
	cancel()
	group.Wait()
}
