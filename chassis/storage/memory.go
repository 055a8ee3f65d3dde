package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps the ledger in process, used when no DSN is configured.
type MemoryRepository struct {
	mu   sync.Mutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryRepository ...
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs: make(map[string]*Run),
		now:  time.Now,
	}
}

// Begin ...
func (repo *MemoryRepository) Begin(ctx context.Context, run *Run) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := repo.now()
	run.State = EXPORTING
	run.StartedDt = now
	run.UpdatedDt = now
	stored := *run
	repo.runs[run.ID] = &stored
	return nil
}

// Update ...
func (repo *MemoryRepository) Update(ctx context.Context, run *Run) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	stored, ok := repo.runs[run.ID]
	if !ok || !stored.State.Active() {
		return ErrNotActive
	}
	stored.State = run.State
	stored.DownloadURL = run.DownloadURL
	stored.Path = run.Path
	stored.Size = run.Size
	stored.Error = run.Error
	stored.UpdatedDt = repo.now()
	run.UpdatedDt = stored.UpdatedDt
	return nil
}

// Get ...
func (repo *MemoryRepository) Get(ctx context.Context, id string) (*Run, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	stored, ok := repo.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	run := *stored
	return &run, nil
}

// Recent ...
func (repo *MemoryRepository) Recent(ctx context.Context, limit int) ([]Run, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	runs := make([]Run, 0, len(repo.runs))
	for _, run := range repo.runs {
		runs = append(runs, *run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedDt.After(runs[j].StartedDt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// RepairStaleRuns ...
func (repo *MemoryRepository) RepairStaleRuns(ctx context.Context, timeout time.Duration, batchSize int) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	now := repo.now()
	repaired := 0
	for _, run := range repo.runs {
		if batchSize > 0 && repaired >= batchSize {
			break
		}
		if run.State.Active() && run.UpdatedDt.Before(now.Add(-timeout)) {
			run.State = ERROR
			run.Error = StaleRunError
			run.UpdatedDt = now
			repaired++
		}
	}
	return repaired, nil
}

// CleanOldRuns ...
func (repo *MemoryRepository) CleanOldRuns(ctx context.Context, expiration time.Duration) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	threshold := repo.now().Add(-expiration)
	cleaned := 0
	for id, run := range repo.runs {
		if !run.State.Active() && run.UpdatedDt.Before(threshold) {
			delete(repo.runs, id)
			cleaned++
		}
	}
	return cleaned, nil
}

// Close ...
func (repo *MemoryRepository) Close() {}
