package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/eventcore/internal/model"
)

// NewEvent is an event to be appended to a stream.
type NewEvent struct {
	Partition   model.PartitionID `json:"partition" yaml:"partition"`
	Type        string            `json:"type" yaml:"type"`
	Content     string            `json:"content" yaml:"content"` // JSON document, "{}" when empty
	EventSource string            `json:"event_source" yaml:"event_source"`
	Public      bool              `json:"public" yaml:"public"`
}

// Events is the event log of one tenant.
// Implements the engine's EventFetcher.
type Events struct {
	store  *Store
	tenant model.TenantID
}

// Events returns the event log of tenant.
func (s *Store) Events(tenant model.TenantID) *Events {
	return &Events{store: s, tenant: tenant}
}

// Tenant returns the tenant this log belongs to.
func (e *Events) Tenant() model.TenantID {
	return e.tenant
}

// Append commits events to the end of stream in one transaction and returns
// them as stream events. Append hooks run after the commit.
func (e *Events) Append(ctx context.Context, scope model.ScopeID, stream model.StreamID, events []NewEvent) ([]model.StreamEvent, error) {
	if scope == "" {
		scope = model.DefaultScope
	}
	if stream == "" {
		return nil, fmt.Errorf("append: stream is required")
	}
	for i, ev := range events {
		if ev.Type == "" {
			return nil, fmt.Errorf("append: event %d: type is required", i)
		}
		if ev.Content != "" && !json.Valid([]byte(ev.Content)) {
			return nil, fmt.Errorf("append: event %d: content is not valid JSON", i)
		}
	}
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyFetch("append: begin", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM events
		WHERE tenant = ? AND scope = ? AND stream_id = ?
	`, string(e.tenant), string(scope), string(stream)).Scan(&next)
	if err != nil {
		return nil, classifyFetch("append: next position", err)
	}

	var sequence int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(event_log_sequence), 0) FROM events WHERE tenant = ?
	`, string(e.tenant)).Scan(&sequence)
	if err != nil {
		return nil, classifyFetch("append: event log sequence", err)
	}

	appended := make([]model.StreamEvent, 0, len(events))
	for i, ev := range events {
		content := ev.Content
		if content == "" {
			content = "{}"
		}
		se := model.StreamEvent{
			Event: model.CommittedEvent{
				EventID:          e.store.ids.Generate(),
				EventLogSequence: uint64(sequence) + uint64(i) + 1,
				Occurred:         e.store.clock().UTC(),
				EventSource:      ev.EventSource,
				Type:             ev.Type,
				Content:          content,
				Public:           ev.Public,
			},
			Position:    model.StreamPosition(next + int64(i)),
			Partition:   ev.Partition,
			StreamID:    stream,
			Partitioned: ev.Partition != model.UnspecifiedPartition,
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (
				tenant, scope, stream_id, position, partition_id, partitioned,
				event_id, event_type, content, occurred, event_source, public,
				event_log_sequence
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(e.tenant), string(scope), string(stream), int64(se.Position),
			string(se.Partition), boolToInt(se.Partitioned),
			se.Event.EventID, se.Event.Type, se.Event.Content,
			formatTime(se.Event.Occurred), se.Event.EventSource, boolToInt(se.Event.Public),
			int64(se.Event.EventLogSequence),
		)
		if err != nil {
			return nil, classifyFetch(fmt.Sprintf("append: insert event %d", i), err)
		}
		appended = append(appended, se)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyFetch("append: commit", err)
	}

	e.store.notifyAppended(e.tenant, scope, appended)
	return appended, nil
}

// Fetch returns the event at position in stream.
// Returns model.ErrNoEventAtPosition when nothing is committed there yet.
func (e *Events) Fetch(ctx context.Context, scope model.ScopeID, stream model.StreamID, position model.StreamPosition) (model.StreamEvent, error) {
	row := e.store.db.QueryRowContext(ctx, `
		SELECT position, partition_id, partitioned, event_id, event_type, content,
		       occurred, event_source, public, event_log_sequence
		FROM events
		WHERE tenant = ? AND scope = ? AND stream_id = ? AND position = ?
	`, string(e.tenant), string(scope), string(stream), int64(position))

	se, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StreamEvent{}, fmt.Errorf("fetch %s@%d: %w", stream, position, model.ErrNoEventAtPosition)
	}
	if err != nil {
		return model.StreamEvent{}, classifyFetch(fmt.Sprintf("fetch %s@%d", stream, position), err)
	}
	se.StreamID = stream
	return se, nil
}

// FindNext returns the position of the first event of partition at or after
// from. Returns model.ErrNoEventAtPosition when the partition has no such event.
func (e *Events) FindNext(ctx context.Context, scope model.ScopeID, stream model.StreamID, partition model.PartitionID, from model.StreamPosition) (model.StreamPosition, error) {
	var position int64
	err := e.store.db.QueryRowContext(ctx, `
		SELECT position FROM events
		WHERE tenant = ? AND scope = ? AND stream_id = ? AND partition_id = ? AND position >= ?
		ORDER BY position ASC
		LIMIT 1
	`, string(e.tenant), string(scope), string(stream), string(partition), int64(from)).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find next %s/%s from %d: %w", stream, partition, from, model.ErrNoEventAtPosition)
	}
	if err != nil {
		return 0, classifyFetch(fmt.Sprintf("find next %s/%s from %d", stream, partition, from), err)
	}
	return model.StreamPosition(position), nil
}

// Head returns the position the next appended event will get, which is
// also the number of events in the stream.
func (e *Events) Head(ctx context.Context, scope model.ScopeID, stream model.StreamID) (model.StreamPosition, error) {
	var next int64
	err := e.store.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM events
		WHERE tenant = ? AND scope = ? AND stream_id = ?
	`, string(e.tenant), string(scope), string(stream)).Scan(&next)
	if err != nil {
		return 0, classifyFetch(fmt.Sprintf("head %s", stream), err)
	}
	return model.StreamPosition(next), nil
}

// Range returns events of stream in [from, to) in position order.
func (e *Events) Range(ctx context.Context, scope model.ScopeID, stream model.StreamID, from, to model.StreamPosition) ([]model.StreamEvent, error) {
	rows, err := e.store.db.QueryContext(ctx, `
		SELECT position, partition_id, partitioned, event_id, event_type, content,
		       occurred, event_source, public, event_log_sequence
		FROM events
		WHERE tenant = ? AND scope = ? AND stream_id = ? AND position >= ? AND position < ?
		ORDER BY position ASC
	`, string(e.tenant), string(scope), string(stream), int64(from), int64(to))
	if err != nil {
		return nil, classifyFetch(fmt.Sprintf("range %s", stream), err)
	}
	defer rows.Close()

	var events []model.StreamEvent
	for rows.Next() {
		se, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("range %s: scan: %w", stream, err)
		}
		se.StreamID = stream
		events = append(events, se)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyFetch(fmt.Sprintf("range %s", stream), err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.StreamEvent, error) {
	var (
		se          model.StreamEvent
		position    int64
		partition   string
		partitioned int
		occurred    string
		public      int
		sequence    int64
	)
	err := row.Scan(
		&position, &partition, &partitioned,
		&se.Event.EventID, &se.Event.Type, &se.Event.Content,
		&occurred, &se.Event.EventSource, &public, &sequence,
	)
	if err != nil {
		return model.StreamEvent{}, err
	}

	t, err := parseTime(occurred)
	if err != nil {
		return model.StreamEvent{}, fmt.Errorf("occurred: %w", err)
	}
	se.Position = model.StreamPosition(position)
	se.Partition = model.PartitionID(partition)
	se.Partitioned = partitioned != 0
	se.Event.Occurred = t
	se.Event.Public = public != 0
	se.Event.EventLogSequence = uint64(sequence)
	return se, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime renders t for storage. The zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
