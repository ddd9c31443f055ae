package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/guildtools/guildsync/pkg/engine"
)

const checkpointsTableVersion = "1"
const checkpointsTableName = "job_checkpoints"
const checkpointsTableSchema = `
create table if not exists %s (
    id integer primary key,
    tenant_id text not null,
    job_kind text not null,
    processed_ids blob not null,
    failed_ids blob not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (tenant_id, job_kind);`

var checkpoints = (*checkpointsTable)(nil)

type checkpointsTable struct{}

func (t *checkpointsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), checkpointsTableName)
}

func (t *checkpointsTable) Version() string {
	return checkpointsTableVersion
}

func (t *checkpointsTable) Schema() (string, []interface{}) {
	return checkpointsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_job_checkpoints_tenant_kind_v%s", t.Version()),
		t.Name(),
	}
}

var _ engine.CheckpointStore = (*Store)(nil)

func marshalIDSet(ids []string) ([]byte, error) {
	sort.Strings(ids)
	return json.Marshal(ids)
}

// LoadCheckpoint returns the checkpoint for (tenantID, kind), or nil if no
// job for that pair is in flight.
func (s *Store) LoadCheckpoint(ctx context.Context, tenantID string, kind engine.JobKind) (*engine.Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "Store.LoadCheckpoint")
	defer span.End()

	q := s.db.From(checkpoints.Name()).Prepared(true).
		Select("processed_ids", "failed_ids", "updated_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("job_kind").Eq(string(kind)))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("error loading checkpoint: %w", err)
	}

	var processed, failed []byte
	var updatedAt time.Time
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&processed, &failed, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading checkpoint: %w", err)
	}

	cp := engine.NewCheckpoint(tenantID, kind)
	cp.UpdatedAt = updatedAt

	var processedIDs []string
	if err := json.Unmarshal(processed, &processedIDs); err != nil {
		return nil, fmt.Errorf("checkpoint for %s/%s corrupt: %w", tenantID, kind, err)
	}
	cp.Processed.Append(processedIDs...)

	var failedIDs []string
	if err := json.Unmarshal(failed, &failedIDs); err != nil {
		return nil, fmt.Errorf("checkpoint for %s/%s corrupt: %w", tenantID, kind, err)
	}
	cp.Failed.Append(failedIDs...)
	// Failed items are processed items by definition.
	cp.Processed.Append(failedIDs...)

	return cp, nil
}

// SaveCheckpoint upserts the full checkpoint row, replacing the id set
// snapshots for the (tenant, kind) pair.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *engine.Checkpoint) error {
	ctx, span := tracer.Start(ctx, "Store.SaveCheckpoint")
	defer span.End()

	processed, err := marshalIDSet(cp.Processed.ToSlice())
	if err != nil {
		return fmt.Errorf("error saving checkpoint: %w", err)
	}
	failed, err := marshalIDSet(cp.Failed.ToSlice())
	if err != nil {
		return fmt.Errorf("error saving checkpoint: %w", err)
	}

	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	update := goqu.Record{
		"processed_ids": processed,
		"failed_ids":    failed,
		"updated_at":    updatedAt.Format(timeFormat),
	}

	q := s.db.Insert(checkpoints.Name()).Prepared(true).
		Rows(goqu.Record{
			"tenant_id":     cp.TenantID,
			"job_kind":      string(cp.Kind),
			"processed_ids": processed,
			"failed_ids":    failed,
			"updated_at":    updatedAt.Format(timeFormat),
		}).
		OnConflict(goqu.DoUpdate("tenant_id, job_kind", update))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("error saving checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error saving checkpoint: %w", err)
	}

	return nil
}

// ClearCheckpoint deletes the checkpoint for the pair. Clearing an absent
// checkpoint is a no-op.
func (s *Store) ClearCheckpoint(ctx context.Context, tenantID string, kind engine.JobKind) error {
	ctx, span := tracer.Start(ctx, "Store.ClearCheckpoint")
	defer span.End()

	q := s.db.Delete(checkpoints.Name()).Prepared(true).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("job_kind").Eq(string(kind)))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("error clearing checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error clearing checkpoint: %w", err)
	}

	return nil
}

// CheckpointSummary is a read-only view of a live checkpoint, used for
// operator status output.
type CheckpointSummary struct {
	TenantID  string
	Kind      engine.JobKind
	Processed int
	Failed    int
	UpdatedAt time.Time
}

// ListCheckpoints returns a summary of every live checkpoint for a tenant.
func (s *Store) ListCheckpoints(ctx context.Context, tenantID string) ([]*CheckpointSummary, error) {
	ctx, span := tracer.Start(ctx, "Store.ListCheckpoints")
	defer span.End()

	q := s.db.From(checkpoints.Name()).Prepared(true).
		Select("job_kind", "processed_ids", "failed_ids", "updated_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Order(goqu.C("job_kind").Asc())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("error listing checkpoints: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing checkpoints: %w", err)
	}
	defer rows.Close()

	var ret []*CheckpointSummary
	for rows.Next() {
		var kind string
		var processed, failed []byte
		var updatedAt time.Time
		if err := rows.Scan(&kind, &processed, &failed, &updatedAt); err != nil {
			return nil, fmt.Errorf("error scanning checkpoint: %w", err)
		}

		var processedIDs, failedIDs []string
		if err := json.Unmarshal(processed, &processedIDs); err != nil {
			return nil, fmt.Errorf("checkpoint for %s/%s corrupt: %w", tenantID, kind, err)
		}
		if err := json.Unmarshal(failed, &failedIDs); err != nil {
			return nil, fmt.Errorf("checkpoint for %s/%s corrupt: %w", tenantID, kind, err)
		}

		ret = append(ret, &CheckpointSummary{
			TenantID:  tenantID,
			Kind:      engine.JobKind(kind),
			Processed: len(processedIDs),
			Failed:    len(failedIDs),
			UpdatedAt: updatedAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error listing checkpoints: %w", err)
	}

	return ret, nil
}
