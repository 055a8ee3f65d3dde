package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Schema of the run ledger.
const Schema = `
create table if not exists t_export_run (
	id           uuid primary key,
	job          text not null,
	module_name  text not null,
	file_prefix  text not null,
	state        text not null,
	download_url text not null default '',
	path         text not null default '',
	size         bigint not null default 0,
	error        text not null default '',
	started_dt   timestamp not null default localtimestamp,
	updated_dt   timestamp not null default localtimestamp
);
create index if not exists t_export_run_state_idx on t_export_run(state, updated_dt);
`

// PGRepository - ...
type PGRepository struct {
	pool *pgxpool.Pool
}

// InitPGRepository - ...
func InitPGRepository(ctx context.Context, cfg Config) (*PGRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	return &PGRepository{
		pool: pool,
	}, nil
}

// EnsureSchema ...
func (repo *PGRepository) EnsureSchema(ctx context.Context) error {
	_, err := repo.pool.Exec(ctx, Schema)
	return err
}

// Begin - ...
func (repo *PGRepository) Begin(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.State = EXPORTING
	query := `
	insert into t_export_run(id, job, module_name, file_prefix, state)
	values ($1, $2, $3, $4, $5)
	returning started_dt, updated_dt`
	return repo.pool.QueryRow(ctx, query, run.ID, run.Job, run.ModuleName, run.FilePrefix, run.State).
		Scan(&run.StartedDt, &run.UpdatedDt)
}

// Update - ...
func (repo *PGRepository) Update(ctx context.Context, run *Run) error {
	query := `
	update t_export_run
	set
	  state = $2,
	  download_url = $3,
	  path = $4,
	  size = $5,
	  error = $6,
	  updated_dt = localtimestamp
	where id = $1 and state in ('EXPORTING', 'DOWNLOADING')
	returning updated_dt;
	`
	err := repo.pool.QueryRow(ctx, query, run.ID, run.State, run.DownloadURL, run.Path, run.Size, run.Error).
		Scan(&run.UpdatedDt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotActive
	}
	return err
}

const selectRun = `
	select id::text, job, module_name, file_prefix, state, download_url, path, size, error, started_dt, updated_dt
	from t_export_run`

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID,
		&run.Job,
		&run.ModuleName,
		&run.FilePrefix,
		&run.State,
		&run.DownloadURL,
		&run.Path,
		&run.Size,
		&run.Error,
		&run.StartedDt,
		&run.UpdatedDt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Get - ...
func (repo *PGRepository) Get(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(repo.pool.QueryRow(ctx, selectRun+` where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// Recent - ...
func (repo *PGRepository) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := repo.pool.Query(ctx, selectRun+` order by started_dt desc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// RepairStaleRuns closes runs stuck in an active state, e.g. after a crash.
func (repo *PGRepository) RepairStaleRuns(ctx context.Context, timeout time.Duration, batchSize int) (int, error) {
	query := `
	with runs as (
        select id
	    from t_export_run
	    where state in ('EXPORTING', 'DOWNLOADING')
	      and updated_dt < localtimestamp - concat($1::int, ' seconds')::INTERVAL
	    limit $2 for update skip locked
	) update t_export_run
	set
	  state = 'ERROR',
	  error = $3,
	  updated_dt = localtimestamp
	from runs
	where t_export_run.id = runs.id;
	`
	var (
		cmdTag pgconn.CommandTag
		err    error
	)
	cmdTag, err = repo.pool.Exec(ctx, query, int(timeout.Seconds()), batchSize, StaleRunError)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// CleanOldRuns ...
func (repo *PGRepository) CleanOldRuns(ctx context.Context, expiration time.Duration) (int, error) {
	query := `
	delete from t_export_run
	where
		state in ('SUCCESS', 'ERROR') and
		updated_dt < localtimestamp - concat($1::int, ' seconds')::INTERVAL;
	`
	cmdTag, err := repo.pool.Exec(ctx, query, int(expiration.Seconds()))
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// Close ...
func (repo *PGRepository) Close() {
	repo.pool.Close()
}
