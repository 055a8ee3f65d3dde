package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/monkey"
	"github.com/freundallein/erpexport/chassis/storage"
)

type stubRepo struct {
	storage.RunRepository
	mu        sync.Mutex
	repairs   int
	cleans    int
	timeout   time.Duration
	batchSize int
}

func (r *stubRepo) RepairStaleRuns(ctx context.Context, timeout time.Duration, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repairs++
	r.timeout = timeout
	r.batchSize = batchSize
	return 2, nil
}

func (r *stubRepo) CleanOldRuns(ctx context.Context, expiration time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleans++
	return 5, nil
}

func (r *stubRepo) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repairs, r.cleans
}

func TestRepairAndClean(t *testing.T) {
	repo := &stubRepo{}
	m := metrics.New(nil)
	cfg := &Config{
		Repository:      repo,
		StaleTimeout:    time.Hour,
		RepairBatchSize: 50,
		Expiration:      24 * time.Hour,
		Metrics:         m,
		Log:             logging.Discard(),
	}
	if n, err := Repair(context.Background(), cfg); err != nil || n != 2 {
		t.Fatalf("unexpected repair result %d %v", n, err)
	}
	if repo.timeout != time.Hour || repo.batchSize != 50 {
		t.Fatalf("config not passed: %s %d", repo.timeout, repo.batchSize)
	}
	if n, err := Clean(context.Background(), cfg); err != nil || n != 5 {
		t.Fatalf("unexpected clean result %d %v", n, err)
	}
	if v := testutil.ToFloat64(m.StaleRuns); v != 2 {
		t.Fatalf("expected stale counter 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.CleanedRuns); v != 5 {
		t.Fatalf("expected cleaned counter 5, got %v", v)
	}
}

func TestRepairInjectedFailure(t *testing.T) {
	cfg := &Config{
		Repository: &stubRepo{},
		Chaos:      monkey.New(1, 1),
		Log:        logging.Discard(),
	}
	if _, err := Repair(context.Background(), cfg); !errors.Is(err, monkey.ErrMonkey) {
		t.Fatalf("expected injected failure, got %v", err)
	}
}

func TestRunLoopsUntilCanceled(t *testing.T) {
	repo := &stubRepo{}
	ctx, cancel := context.WithCancel(context.Background())
	var group sync.WaitGroup
	Run(ctx, &Config{
		Repository: repo,
		Interval:   5 * time.Millisecond,
		Log:        logging.Discard(),
	}, &group)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if repairs, cleans := repo.counts(); repairs > 1 && cleans > 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	group.Wait()
	if repairs, cleans := repo.counts(); repairs < 2 || cleans < 2 {
		t.Fatalf("expected repeated sweeps, got %d repairs and %d cleans", repairs, cleans)
	}
}

func TestRepairMemoryLedger(t *testing.T) {
	repo := storage.NewMemoryRepository()
	ctx := context.Background()
	run := &storage.Run{Job: "inventory_query"}
	repo.Begin(ctx, run)
	cfg := &Config{Repository: repo, StaleTimeout: -time.Second, RepairBatchSize: 10, Log: logging.Discard()}
	if n, err := Repair(ctx, cfg); err != nil || n != 1 {
		t.Fatalf("expected the run to be repaired, got %d %v", n, err)
	}
	got, _ := repo.Get(ctx, run.ID)
	if got.State != storage.ERROR || got.Error != storage.StaleRunError {
		t.Fatalf("unexpected run %+v", got)
	}
}
