package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/plugmon/dbopen"
)

// ScanCursor is the persisted position of a module's content scan.
type ScanCursor struct {
	Cursor string
	// Passes counts completed full passes in the current epoch.
	Passes int
}

// Cursor returns the module's scan position under epoch. A cursor saved under
// another epoch reads as the start of a new pass.
func (s *Store) Cursor(ctx context.Context, module, epoch string) (ScanCursor, error) {
	var c ScanCursor
	var stored string
	err := s.DB.QueryRowContext(ctx,
		`SELECT cursor, passes, epoch FROM scan_cursors WHERE module_id = ?`, module,
	).Scan(&c.Cursor, &c.Passes, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ScanCursor{}, nil
	}
	if err != nil {
		return ScanCursor{}, fmt.Errorf("store: read cursor: %w", err)
	}
	if stored != epoch {
		return ScanCursor{}, nil
	}
	return c, nil
}

// SaveCursor persists the scan position. completed marks the end of a full
// pass: the cursor rewinds and the pass counter increments.
func (s *Store) SaveCursor(ctx context.Context, module, epoch, cursor string, completed bool) error {
	passInc := 0
	if completed {
		cursor = ""
		passInc = 1
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO scan_cursors (module_id, cursor, epoch, passes, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (module_id) DO UPDATE SET
			cursor = excluded.cursor,
			passes = CASE WHEN scan_cursors.epoch = excluded.epoch
			              THEN scan_cursors.passes + ? ELSE excluded.passes END,
			epoch = excluded.epoch,
			updated_at = excluded.updated_at`,
		module, cursor, epoch, passInc, s.now().UnixMilli(), passInc)
	if err != nil {
		return fmt.Errorf("store: save cursor: %w", err)
	}
	return nil
}
