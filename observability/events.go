package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/plugmon/idgen"
)

// Event types.
const (
	EventReset = "evidence.reset"
	EventScan  = "scan.requested"
)

// BusinessEvent is a domain-level event.
type BusinessEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	UserID     string
	Action     string
	Details    map[string]any
	Success    bool
	CreatedAt  time.Time
}

// EventLogger writes business events. A nil *EventLogger discards them.
type EventLogger struct {
	db      *sql.DB
	service string
	newID   idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets the event id generator.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger writing to db under the service name.
func NewEventLogger(db *sql.DB, service string, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:      db,
		service: service,
		newID:   idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records ev. Errors are logged, never returned.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	if l == nil {
		return
	}
	var details sql.NullString
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, l.service, ev.EntityType, ev.EntityID,
		ev.UserID, ev.Action, details, ev.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability: event log failed", "error", err, "event_type", ev.EventType)
	}
}

// Events returns the latest events of eventType (all types when empty),
// newest first.
func (l *EventLogger) Events(ctx context.Context, eventType string, limit int) ([]BusinessEvent, error) {
	q := `SELECT event_type, COALESCE(entity_type, ''), COALESCE(entity_id, ''), COALESCE(user_id, ''),
		action, details, success, created_at FROM business_event_logs`
	var args []any
	if eventType != "" {
		q += " WHERE event_type = ?"
		args = append(args, eventType)
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []BusinessEvent
	for rows.Next() {
		var ev BusinessEvent
		var details sql.NullString
		var created int64
		if err := rows.Scan(&ev.EventType, &ev.EntityType, &ev.EntityID, &ev.UserID,
			&ev.Action, &details, &ev.Success, &created); err != nil {
			return nil, err
		}
		if details.Valid {
			json.Unmarshal([]byte(details.String), &ev.Details)
		}
		ev.CreatedAt = time.Unix(created, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}
