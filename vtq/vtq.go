// Package vtq is a visibility-timeout job queue stored in SQLite. It carries
// the background content-scan jobs.
//
// A claimed job is hidden for Options.Visibility. The consumer acks it on
// success; on failure, or if the consumer dies, the job becomes visible again
// and is redelivered. Job ids are caller-chosen and deduplicated: publishing
// an id that is still queued is a no-op, so a periodic publisher never piles
// up work for the same key.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix ms
//	    created_at  INTEGER NOT NULL,            -- unix ms
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/plugmon/dbopen"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name; several queues share one table.
	Queue string
	// Visibility is how long a claimed job stays hidden. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim rounds. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts discards a job after that many deliveries. 0 = unlimited.
	MaxAttempts int
	// RetryDelay hides a failed job before redelivery. Default: 0.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is a queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once before use.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the jobs table and its index.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
	`)
	if err != nil {
		return fmt.Errorf("vtq: ensure table: %w", err)
	}
	return nil
}

// Publish enqueues a visible job. It reports false when a job with the same
// id is already queued (claimed or not).
func (q *Q) Publish(ctx context.Context, id string, payload []byte) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := dbopen.Exec(ctx, q.db,
		`INSERT OR IGNORE INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("vtq: publish %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Claim hides the oldest visible job and returns it, or nil when none is
// visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.claim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (q *Q) claim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, fmt.Errorf("vtq: claim scan: %w", err)
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job visible again after delay.
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration) error {
	at := int64(0)
	if delay > 0 {
		at = time.Now().Add(delay).UnixMilli()
	}
	_, err := dbopen.Exec(ctx, q.db, `UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`, at, id, q.opts.Queue)
	return err
}

// Purge deletes every job of the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM vtq_jobs WHERE queue = ?`, q.opts.Queue)
	return err
}

// Len returns the number of queued jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Handler processes a claimed job. nil acks it, an error nacks it.
type Handler func(ctx context.Context, job *Job) error

// ErrHandlerPanic wraps a panic recovered from a Handler.
var ErrHandlerPanic = errors.New("vtq: handler panicked")

// run calls h and turns a panic into an error.
func run(ctx context.Context, h Handler, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, j)
}

// settle acks or nacks j with a context that survives shutdown, so a stopping
// consumer does not leave the job hidden for the whole visibility window.
func (q *Q) settle(ctx context.Context, j *Job, err error) {
	log := q.opts.Logger
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		log.Warn("vtq: handler failed, nacking", "id", j.ID, "error", err, "queue", q.opts.Queue)
		if nerr := q.Nack(ctx, j.ID, q.opts.RetryDelay); nerr != nil {
			log.Warn("vtq: nack failed", "id", j.ID, "error", nerr)
		}
		return
	}
	if aerr := q.Ack(ctx, j.ID); aerr != nil {
		log.Warn("vtq: ack failed", "id", j.ID, "error", aerr)
	}
}

func (q *Q) expired(ctx context.Context, j *Job) bool {
	if q.opts.MaxAttempts <= 0 || j.Attempts <= q.opts.MaxAttempts {
		return false
	}
	q.opts.Logger.Warn("vtq: job exceeded max attempts, discarding",
		"id", j.ID, "attempts", j.Attempts, "queue", q.opts.Queue)
	_ = q.Ack(ctx, j.ID)
	return true
}

// Drain claims and processes jobs one by one until none is visible. It is
// the synchronous counterpart of RunBatch. Failed jobs stay hidden until the
// drain ends, so each job is handled at most once per call.
func (q *Q) Drain(ctx context.Context, h Handler) (int, error) {
	done := 0
	var failed []*Job
	defer func() {
		for _, j := range failed {
			_ = q.Nack(context.WithoutCancel(ctx), j.ID, q.opts.RetryDelay)
		}
	}()
	for ctx.Err() == nil {
		j, err := q.Claim(ctx)
		if err != nil {
			return done, err
		}
		if j == nil {
			return done, nil
		}
		if q.expired(ctx, j) {
			continue
		}
		done++
		if err := run(ctx, h, j); err != nil {
			q.opts.Logger.Warn("vtq: handler failed", "id", j.ID, "error", err, "queue", q.opts.Queue)
			failed = append(failed, j)
			continue
		}
		q.settle(ctx, j, nil)
	}
	return done, ctx.Err()
}

// RunBatch polls in batches and runs at most maxConcurrency handlers at a
// time. It blocks until ctx is cancelled and drains in-flight handlers
// before returning.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, h Handler) {
	if batchSize <= 0 {
		batchSize = 1
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log := q.opts.Logger
	log.Info("vtq: batch consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("vtq: batch consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
		}

		jobs, err := q.claim(ctx, batchSize)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("vtq: batch claim failed", "error", err, "queue", q.opts.Queue)
			}
			continue
		}
		for _, j := range jobs {
			if q.expired(ctx, j) {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = q.Nack(context.WithoutCancel(ctx), j.ID, 0)
				continue
			}
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				q.settle(ctx, j, run(ctx, h, j))
			}(j)
		}
	}
}
