package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/eventcore/internal/model"
)

// ErrStateNotFound is returned by operator operations on a processor that
// has never persisted state.
var ErrStateNotFound = errors.New("stream processor state not found")

// States is the stream processor state repository of one tenant.
// Implements the engine's StateRepository.
type States struct {
	store  *Store
	tenant model.TenantID
}

// States returns the state repository of tenant.
func (s *Store) States(tenant model.TenantID) *States {
	return &States{store: s, tenant: tenant}
}

// Tenant returns the tenant this repository belongs to.
func (r *States) Tenant() model.TenantID {
	return r.tenant
}

// StoredState is a persisted state together with the processor it belongs to.
type StoredState struct {
	Key   string                  `json:"processor_key"`
	ID    model.StreamProcessorID `json:"id"`
	State model.State             `json:"state"`
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetOrCreate returns the persisted state of id, persisting the initial
// state of the requested variant if none exists.
//
// Returns an error wrapping model.ErrStateMismatch when the stored variant
// differs from partitioned.
func (r *States) GetOrCreate(ctx context.Context, id model.StreamProcessorID, partitioned bool) (model.State, error) {
	key, err := model.ProcessorKey(r.tenant, id)
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", id, err)
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get state %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	state, found, err := loadState(ctx, tx, key)
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", id, err)
	}
	if found {
		if state.IsPartitioned() != partitioned {
			return nil, fmt.Errorf("get state %s: stored partitioned=%t, requested partitioned=%t: %w",
				id, state.IsPartitioned(), partitioned, model.ErrStateMismatch)
		}
		return state, nil
	}

	state = model.NewState(partitioned)
	if err := writeState(ctx, tx, r.tenant, key, id, state); err != nil {
		return nil, fmt.Errorf("get state %s: create: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("get state %s: commit: %w", id, err)
	}
	return state, nil
}

// Persist replaces the stored state of id in one transaction.
func (r *States) Persist(ctx context.Context, id model.StreamProcessorID, state model.State) error {
	if state == nil {
		return fmt.Errorf("persist state %s: state is nil", id)
	}
	key, err := model.ProcessorKey(r.tenant, id)
	if err != nil {
		return fmt.Errorf("persist state %s: %w", id, err)
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persist state %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	if err := writeState(ctx, tx, r.tenant, key, id, state); err != nil {
		return fmt.Errorf("persist state %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persist state %s: commit: %w", id, err)
	}
	return nil
}

// Get returns the persisted state of id. found is false if none exists.
func (r *States) Get(ctx context.Context, id model.StreamProcessorID) (state model.State, found bool, err error) {
	key, err := model.ProcessorKey(r.tenant, id)
	if err != nil {
		return nil, false, fmt.Errorf("get state %s: %w", id, err)
	}
	state, found, err = loadState(ctx, r.store.db, key)
	if err != nil {
		return nil, false, fmt.Errorf("get state %s: %w", id, err)
	}
	return state, found, nil
}

// List returns every persisted state of the tenant ordered by scope,
// event processor and source stream.
func (r *States) List(ctx context.Context) ([]StoredState, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT processor_key, scope, event_processor, source_stream
		FROM stream_processor_states
		WHERE tenant = ?
		ORDER BY scope ASC, event_processor ASC, source_stream ASC
	`, string(r.tenant))
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}

	var listed []StoredState
	for rows.Next() {
		var (
			st                       StoredState
			scope, processor, source string
		)
		if err := rows.Scan(&st.Key, &scope, &processor, &source); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list states: scan: %w", err)
		}
		st.ID = model.NewStreamProcessorID(model.ScopeID(scope), model.EventProcessorID(processor), model.StreamID(source))
		listed = append(listed, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list states: %w", err)
	}
	rows.Close()

	// One connection: the row cursor must be closed before loading states.
	for i := range listed {
		state, _, err := loadState(ctx, r.store.db, listed[i].Key)
		if err != nil {
			return nil, fmt.Errorf("list states: %s: %w", listed[i].ID, err)
		}
		listed[i].State = state
	}
	return listed, nil
}

// Reposition moves the stream position of id and clears an unpartitioned
// failure, making the processor resume at position. Failing partitions of a
// partitioned processor are kept.
func (r *States) Reposition(ctx context.Context, id model.StreamProcessorID, position model.StreamPosition) error {
	return r.update(ctx, "reposition", id, func(state model.State) (model.State, error) {
		switch s := state.(type) {
		case model.UnpartitionedState:
			return model.UnpartitionedState{
				Position:                  position,
				LastSuccessfullyProcessed: s.LastSuccessfullyProcessed,
			}, nil
		case model.PartitionedState:
			out := s.Advanced(s.Position, time.Time{})
			out.Position = position
			return out, nil
		default:
			return nil, fmt.Errorf("unknown state type %T", state)
		}
	})
}

// ClearFailingPartition removes the failing entry of partition, abandoning
// its backlog behind the stream position.
func (r *States) ClearFailingPartition(ctx context.Context, id model.StreamProcessorID, partition model.PartitionID) error {
	return r.updatePartitioned(ctx, "clear failing partition", id, partition, func(s model.PartitionedState, _ model.FailingPartitionState) model.PartitionedState {
		return s.WithoutFailingPartition(partition)
	})
}

// RetryFailingPartitionNow makes the failing entry of partition due at now,
// including entries parked by a permanent failure.
func (r *States) RetryFailingPartitionNow(ctx context.Context, id model.StreamProcessorID, partition model.PartitionID, now time.Time) error {
	return r.updatePartitioned(ctx, "retry failing partition", id, partition, func(s model.PartitionedState, f model.FailingPartitionState) model.PartitionedState {
		f.RetryTime = now
		return s.WithFailingPartition(partition, f)
	})
}

func (r *States) updatePartitioned(ctx context.Context, op string, id model.StreamProcessorID, partition model.PartitionID, fn func(model.PartitionedState, model.FailingPartitionState) model.PartitionedState) error {
	return r.update(ctx, op, id, func(state model.State) (model.State, error) {
		s, ok := state.(model.PartitionedState)
		if !ok {
			return nil, fmt.Errorf("processor is not partitioned: %w", model.ErrStateMismatch)
		}
		f, ok := s.FailingPartition(partition)
		if !ok {
			return nil, fmt.Errorf("partition %q is not failing", partition)
		}
		return fn(s, f), nil
	})
}

// update applies fn to the persisted state of id in one transaction.
func (r *States) update(ctx context.Context, op string, id model.StreamProcessorID, fn func(model.State) (model.State, error)) error {
	key, err := model.ProcessorKey(r.tenant, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s %s: begin: %w", op, id, err)
	}
	defer tx.Rollback()

	state, found, err := loadState(ctx, tx, key)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if !found {
		return fmt.Errorf("%s %s: %w", op, id, ErrStateNotFound)
	}

	updated, err := fn(state)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if err := writeState(ctx, tx, r.tenant, key, id, updated); err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s %s: commit: %w", op, id, err)
	}
	return nil
}

// writeState upserts the state row and replaces its failing partitions.
func writeState(ctx context.Context, tx execer, tenant model.TenantID, key string, id model.StreamProcessorID, state model.State) error {
	var (
		reason     string
		retryTime  time.Time
		attempts   uint32
		failing    bool
		lastOK     time.Time
		partitions map[model.PartitionID]model.FailingPartitionState
	)
	switch s := state.(type) {
	case model.UnpartitionedState:
		reason, retryTime, attempts, failing, lastOK = s.FailureReason, s.RetryTime, s.ProcessingAttempts, s.IsFailing, s.LastSuccessfullyProcessed
	case model.PartitionedState:
		lastOK, partitions = s.LastSuccessfullyProcessed, s.FailingPartitions
	default:
		return fmt.Errorf("unknown state type %T", state)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO stream_processor_states (
			processor_key, tenant, scope, event_processor, source_stream, partitioned,
			position, failure_reason, retry_time, processing_attempts, is_failing,
			last_successfully_processed, state_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(processor_key) DO UPDATE SET
			position = excluded.position,
			failure_reason = excluded.failure_reason,
			retry_time = excluded.retry_time,
			processing_attempts = excluded.processing_attempts,
			is_failing = excluded.is_failing,
			last_successfully_processed = excluded.last_successfully_processed,
			state_version = excluded.state_version
	`,
		key, string(tenant), string(id.Scope), string(id.EventProcessor), string(id.SourceStream),
		boolToInt(state.IsPartitioned()), int64(state.StreamPosition()),
		reason, formatTime(retryTime), int64(attempts), boolToInt(failing),
		formatTime(lastOK), model.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM failing_partitions WHERE processor_key = ?`, key); err != nil {
		return fmt.Errorf("clear failing partitions: %w", err)
	}
	for partition, f := range partitions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO failing_partitions (
				processor_key, partition_id, position, retry_time, reason,
				processing_attempts, last_failed
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			key, string(partition), int64(f.Position), formatTime(f.RetryTime),
			f.Reason, int64(f.ProcessingAttempts), formatTime(f.LastFailed),
		)
		if err != nil {
			return fmt.Errorf("insert failing partition %q: %w", partition, err)
		}
	}
	return nil
}

// loadState reads the state stored under key.
func loadState(ctx context.Context, q querier, key string) (model.State, bool, error) {
	var (
		partitioned, failing      int
		position, attempts        int64
		reason, retryRaw, lastRaw string
		version                   string
	)
	err := q.QueryRowContext(ctx, `
		SELECT partitioned, position, failure_reason, retry_time, processing_attempts,
		       is_failing, last_successfully_processed, state_version
		FROM stream_processor_states
		WHERE processor_key = ?
	`, key).Scan(&partitioned, &position, &reason, &retryRaw, &attempts, &failing, &lastRaw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	if version != model.StateVersion {
		return nil, false, fmt.Errorf("unsupported state version %q (want %q)", version, model.StateVersion)
	}

	retryTime, err := parseTime(retryRaw)
	if err != nil {
		return nil, false, fmt.Errorf("retry_time: %w", err)
	}
	lastOK, err := parseTime(lastRaw)
	if err != nil {
		return nil, false, fmt.Errorf("last_successfully_processed: %w", err)
	}

	if partitioned == 0 {
		return model.UnpartitionedState{
			Position:                  model.StreamPosition(position),
			FailureReason:             reason,
			RetryTime:                 retryTime,
			ProcessingAttempts:        uint32(attempts),
			IsFailing:                 failing != 0,
			LastSuccessfullyProcessed: lastOK,
		}, true, nil
	}

	partitions, err := loadFailingPartitions(ctx, q, key)
	if err != nil {
		return nil, false, err
	}
	return model.PartitionedState{
		Position:                  model.StreamPosition(position),
		FailingPartitions:         partitions,
		LastSuccessfullyProcessed: lastOK,
	}, true, nil
}

func loadFailingPartitions(ctx context.Context, q querier, key string) (map[model.PartitionID]model.FailingPartitionState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT partition_id, position, retry_time, reason, processing_attempts, last_failed
		FROM failing_partitions
		WHERE processor_key = ?
		ORDER BY partition_id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("read failing partitions: %w", err)
	}
	defer rows.Close()

	var partitions map[model.PartitionID]model.FailingPartitionState
	for rows.Next() {
		var (
			partition, retryRaw, reason, failedRaw string
			position, attempts                     int64
		)
		if err := rows.Scan(&partition, &position, &retryRaw, &reason, &attempts, &failedRaw); err != nil {
			return nil, fmt.Errorf("scan failing partition: %w", err)
		}
		retryTime, err := parseTime(retryRaw)
		if err != nil {
			return nil, fmt.Errorf("failing partition %q retry_time: %w", partition, err)
		}
		lastFailed, err := parseTime(failedRaw)
		if err != nil {
			return nil, fmt.Errorf("failing partition %q last_failed: %w", partition, err)
		}
		if partitions == nil {
			partitions = make(map[model.PartitionID]model.FailingPartitionState)
		}
		partitions[model.PartitionID(partition)] = model.FailingPartitionState{
			Position:           model.StreamPosition(position),
			RetryTime:          retryTime,
			Reason:             reason,
			ProcessingAttempts: uint32(attempts),
			LastFailed:         lastFailed,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read failing partitions: %w", err)
	}
	return partitions, nil
}
