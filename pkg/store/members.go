package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

const membersTableVersion = "1"
const membersTableName = "guild_members"
const membersTableSchema = `
create table if not exists %s (
    id integer primary key,
    tenant_id text not null,
    member_id text not null,
    username text not null,
    role_ids blob not null,
    verified integer not null default 0,
    bot integer not null default 0,
    synced_at datetime not null
);
create unique index if not exists %s on %s (tenant_id, member_id);`

var members = (*membersTable)(nil)

type membersTable struct{}

func (t *membersTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), membersTableName)
}

func (t *membersTable) Version() string {
	return membersTableVersion
}

func (t *membersTable) Schema() (string, []interface{}) {
	return membersTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_guild_members_tenant_member_v%s", t.Version()),
		t.Name(),
	}
}

// GuildMember is the local mirror of one guild member: their name, role set,
// and verification state as of the last sync that touched them.
type GuildMember struct {
	TenantID string
	MemberID string
	Username string
	RoleIDs  []string
	Verified bool
	Bot      bool
	SyncedAt time.Time
}

// PutMember upserts the member mirror, fully replacing the mutable fields
// for (tenant, member).
func (s *Store) PutMember(ctx context.Context, m *GuildMember) error {
	ctx, span := tracer.Start(ctx, "Store.PutMember")
	defer span.End()

	roleIDs, err := json.Marshal(m.RoleIDs)
	if err != nil {
		return fmt.Errorf("error putting member: %w", err)
	}

	syncedAt := m.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	update := goqu.Record{
		"username":  m.Username,
		"role_ids":  roleIDs,
		"verified":  m.Verified,
		"bot":       m.Bot,
		"synced_at": syncedAt.Format(timeFormat),
	}

	q := s.db.Insert(members.Name()).Prepared(true).
		Rows(goqu.Record{
			"tenant_id": m.TenantID,
			"member_id": m.MemberID,
			"username":  m.Username,
			"role_ids":  roleIDs,
			"verified":  m.Verified,
			"bot":       m.Bot,
			"synced_at": syncedAt.Format(timeFormat),
		}).
		OnConflict(goqu.DoUpdate("tenant_id, member_id", update))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("error putting member: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error putting member: %w", err)
	}

	return nil
}

// GetMember returns the mirrored member, or nil if it has never been synced.
func (s *Store) GetMember(ctx context.Context, tenantID string, memberID string) (*GuildMember, error) {
	ctx, span := tracer.Start(ctx, "Store.GetMember")
	defer span.End()

	q := s.db.From(members.Name()).Prepared(true).
		Select("username", "role_ids", "verified", "bot", "synced_at").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("member_id").Eq(memberID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("error getting member: %w", err)
	}

	m := &GuildMember{TenantID: tenantID, MemberID: memberID}
	var roleIDs []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&m.Username, &roleIDs, &m.Verified, &m.Bot, &m.SyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting member: %w", err)
	}

	if err := json.Unmarshal(roleIDs, &m.RoleIDs); err != nil {
		return nil, fmt.Errorf("member record for %s corrupt: %w", memberID, err)
	}

	return m, nil
}

// DeleteMember removes the mirror for a member that left or was removed
// remotely. This is the out-of-band deletion path; sync runs never delete.
func (s *Store) DeleteMember(ctx context.Context, tenantID string, memberID string) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteMember")
	defer span.End()

	q := s.db.Delete(members.Name()).Prepared(true).
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Where(goqu.C("member_id").Eq(memberID))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("error deleting member: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error deleting member: %w", err)
	}

	return nil
}
