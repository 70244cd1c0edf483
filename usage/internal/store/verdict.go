package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/plugmon/dbopen"
	"github.com/hazyhaar/plugmon/signal"
)

// upsertVerdict applies signal.Merge in a single statement. Within one epoch
// the state only rises; equal states keep the higher confidence; another
// epoch replaces the cell. All SET expressions read the pre-update row.
const upsertVerdict = `
INSERT INTO signal_verdicts (module_id, signal_kind, state, confidence, epoch, observed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (module_id, signal_kind) DO UPDATE SET
    state = CASE
        WHEN signal_verdicts.epoch <> excluded.epoch OR excluded.state >= signal_verdicts.state
        THEN excluded.state ELSE signal_verdicts.state END,
    confidence = CASE
        WHEN signal_verdicts.epoch <> excluded.epoch OR excluded.state > signal_verdicts.state
        THEN excluded.confidence
        WHEN excluded.state = signal_verdicts.state
        THEN MAX(signal_verdicts.confidence, excluded.confidence)
        ELSE signal_verdicts.confidence END,
    observed_at = CASE
        WHEN signal_verdicts.epoch <> excluded.epoch OR excluded.state >= signal_verdicts.state
        THEN excluded.observed_at ELSE signal_verdicts.observed_at END,
    epoch = excluded.epoch
RETURNING state, confidence, epoch, observed_at`

// Put merges an observation into the (module, kind) cell and returns the
// resulting verdict. Unknown observations are not stored; the current cell
// is returned unchanged.
func (s *Store) Put(ctx context.Context, module string, obs signal.Observation, epoch string) (signal.Verdict, error) {
	if obs.State == signal.Unknown {
		return s.Get(ctx, module, obs.Kind, epoch)
	}
	mu := s.cellLock(module, string(obs.Kind))
	mu.Lock()
	defer mu.Unlock()

	now := s.now()
	v := signal.Verdict{Kind: obs.Kind}
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		evicted, err := syncEpoch(ctx, tx, module, epoch, now)
		if err != nil {
			return err
		}
		if evicted {
			s.cache.drop(module)
		}
		var observedAt int64
		err = tx.QueryRowContext(ctx, upsertVerdict,
			module, string(obs.Kind), int(obs.State), int(obs.Confidence), epoch, now.UnixMilli(),
		).Scan(&v.State, &v.Confidence, &v.Epoch, &observedAt)
		if err != nil {
			return fmt.Errorf("store: upsert %s/%s: %w", module, obs.Kind, err)
		}
		v.ObservedAt = time.UnixMilli(observedAt)
		return nil
	})
	if err != nil {
		return signal.Verdict{}, err
	}
	s.cache.put(module, epoch, v, now)
	return v, nil
}

// syncEpoch makes epoch the module's current epoch, evicting its verdicts and
// scan cursor when the stored epoch differs. It reports whether it evicted.
func syncEpoch(ctx context.Context, tx *sql.Tx, module, epoch string, now time.Time) (bool, error) {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT epoch FROM module_epochs WHERE module_id = ?`, module).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO module_epochs (module_id, epoch, updated_at) VALUES (?, ?, ?)`,
			module, epoch, now.UnixMilli())
		if err != nil {
			return false, fmt.Errorf("store: record epoch: %w", err)
		}
		// Cells may exist without an epoch row (after a failed eviction).
		_, err = tx.ExecContext(ctx, `DELETE FROM signal_verdicts WHERE module_id = ? AND epoch <> ?`, module, epoch)
		return false, err
	case err != nil:
		return false, fmt.Errorf("store: read epoch: %w", err)
	case cur == epoch:
		return false, nil
	}

	if err := evict(ctx, tx, module); err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE module_epochs SET epoch = ?, updated_at = ? WHERE module_id = ?`,
		epoch, now.UnixMilli(), module)
	if err != nil {
		return false, fmt.Errorf("store: update epoch: %w", err)
	}
	return true, nil
}

func evict(ctx context.Context, tx *sql.Tx, module string) error {
	for _, q := range []string{
		`DELETE FROM signal_verdicts WHERE module_id = ?`,
		`DELETE FROM scan_cursors WHERE module_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, module); err != nil {
			return fmt.Errorf("store: evict %s: %w", module, err)
		}
	}
	return nil
}

// Get returns the verdict of one cell under epoch. Missing cells come back
// as Unknown.
func (s *Store) Get(ctx context.Context, module string, kind signal.Kind, epoch string) (signal.Verdict, error) {
	fp, err := s.GetAll(ctx, module, epoch)
	if err != nil {
		return signal.Verdict{}, err
	}
	return fp[kind], nil
}

// GetAll returns the module's fingerprint under epoch, every kind present.
// A stored epoch that differs is evicted first.
func (s *Store) GetAll(ctx context.Context, module, epoch string) (signal.Fingerprint, error) {
	now := s.now()
	if fp, ok := s.cache.get(module, epoch, now); ok {
		return fp, nil
	}

	var cur string
	err := s.DB.QueryRowContext(ctx, `SELECT epoch FROM module_epochs WHERE module_id = ?`, module).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: read epoch: %w", err)
	}
	if err == nil && cur != epoch {
		err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
			_, err := syncEpoch(ctx, tx, module, epoch, now)
			return err
		})
		if err != nil {
			return nil, err
		}
		s.cache.drop(module)
	}

	gen := s.cache.generation()
	rows, err := s.DB.QueryContext(ctx, `
		SELECT signal_kind, state, confidence, epoch, observed_at
		FROM signal_verdicts WHERE module_id = ? AND epoch = ?`, module, epoch)
	if err != nil {
		return nil, fmt.Errorf("store: read verdicts: %w", err)
	}
	defer rows.Close()

	fp := signal.NewFingerprint()
	for rows.Next() {
		var v signal.Verdict
		var kind string
		var observedAt int64
		if err := rows.Scan(&kind, &v.State, &v.Confidence, &v.Epoch, &observedAt); err != nil {
			return nil, err
		}
		k, err := signal.ParseKind(kind)
		if err != nil {
			continue
		}
		v.Kind = k
		v.ObservedAt = time.UnixMilli(observedAt)
		fp[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.fill(module, epoch, fp, now, gen)
	return fp, nil
}

// Invalidate deletes every verdict and the scan cursor of module.
func (s *Store) Invalidate(ctx context.Context, module string) error {
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if err := evict(ctx, tx, module); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM module_epochs WHERE module_id = ?`, module)
		return err
	})
	s.cache.drop(module)
	return err
}

// Reset deletes all evidence.
func (s *Store) Reset(ctx context.Context) error {
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM signal_verdicts`,
			`DELETE FROM module_epochs`,
			`DELETE FROM scan_cursors`,
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("store: reset: %w", err)
			}
		}
		return nil
	})
	s.cache.clear()
	return err
}

// Counts returns the number of stored cells per state, for health output.
func (s *Store) Counts(ctx context.Context) (map[signal.State]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM signal_verdicts GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[signal.State]int)
	for rows.Next() {
		var st signal.State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
