package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

const threadsTableVersion = "1"
const threadsTableName = "forum_threads"
const threadsTableSchema = `
create table if not exists %s (
    id integer primary key,
    tenant_id text not null,
    thread_id text not null,
    parent_id text not null,
    title text not null,
    "partition" text not null,
    archived integer not null default 0,
    message_count integer not null default 0,
    last_message_id text not null default '',
    synced_at datetime not null
);
create unique index if not exists %s on %s (tenant_id, thread_id);
create index if not exists %s on %s (tenant_id, parent_id);`

var threads = (*threadsTable)(nil)

type threadsTable struct{}

func (t *threadsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), threadsTableName)
}

func (t *threadsTable) Version() string {
	return threadsTableVersion
}

func (t *threadsTable) Schema() (string, []interface{}) {
	return threadsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_forum_threads_tenant_thread_v%s", t.Version()),
		t.Name(),
		fmt.Sprintf("idx_forum_threads_tenant_parent_v%s", t.Version()),
		t.Name(),
	}
}

// ForumThread mirrors one forum thread, tagged with the partition it was
// enumerated from (active, archived-public, archived-private).
type ForumThread struct {
	TenantID      string
	ThreadID      string
	ParentID      string
	Title         string
	Partition     string
	Archived      bool
	MessageCount  int
	LastMessageID string
	SyncedAt      time.Time
}

// PutThread upserts the thread mirror, fully replacing the mutable fields
// for (tenant, thread).
func (s *Store) PutThread(ctx context.Context, th *ForumThread) error {
	ctx, span := tracer.Start(ctx, "Store.PutThread")
	defer span.End()

	syncedAt := th.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	update := goqu.Record{
		"parent_id":       th.ParentID,
		"title":           th.Title,
		"partition":       th.Partition,
		"archived":        th.Archived,
		"message_count":   th.MessageCount,
		"last_message_id": th.LastMessageID,
		"synced_at":       syncedAt.Format(timeFormat),
	}

	q := s.db.Insert(threads.Name()).Prepared(true).
		Rows(goqu.Record{
			"tenant_id":       th.TenantID,
			"thread_id":       th.ThreadID,
			"parent_id":       th.ParentID,
			"title":           th.Title,
			"partition":       th.Partition,
			"archived":        th.Archived,
			"message_count":   th.MessageCount,
			"last_message_id": th.LastMessageID,
			"synced_at":       syncedAt.Format(timeFormat),
		}).
		OnConflict(goqu.DoUpdate("tenant_id, thread_id", update))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("error putting thread: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error putting thread: %w", err)
	}

	return nil
}

// GetThread returns the mirrored thread, or nil if it has never been synced.
func (s *Store) GetThread(ctx context.Context, tenantID string, threadID string) (*ForumThread, error) {
	ctx, span := tracer.Start(ctx, "Store.GetThread")
	defer span.End()

	q := s.db.From(threads.Name()).Prepared(true).
		Select("parent_id", "title", "partition", "archived", "message_count", "last_message_id", "synced_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("thread_id").Eq(threadID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("error getting thread: %w", err)
	}

	th := &ForumThread{TenantID: tenantID, ThreadID: threadID}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&th.ParentID, &th.Title, &th.Partition, &th.Archived, &th.MessageCount, &th.LastMessageID, &th.SyncedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting thread: %w", err)
	}

	return th, nil
}

// DeleteThread removes the mirror for a thread deleted remotely. This is the
// out-of-band deletion path; sync runs never delete.
func (s *Store) DeleteThread(ctx context.Context, tenantID string, threadID string) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteThread")
	defer span.End()

	q := s.db.Delete(threads.Name()).Prepared(true).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("thread_id").Eq(threadID))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("error deleting thread: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error deleting thread: %w", err)
	}

	return nil
}
