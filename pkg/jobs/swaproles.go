package jobs

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/guildtools/guildsync/pkg/engine"
	"github.com/guildtools/guildsync/pkg/gateway"
	"github.com/guildtools/guildsync/pkg/store"
)

// RoleSwapper migrates members from a legacy role to its replacement. The
// replacement is granted before the legacy role is removed, so a member
// never passes through a state where they hold neither role.
type RoleSwapper struct {
	guildID           string
	legacyRoleID      string
	replacementRoleID string
	verifiedRoleID    string
	directory         guildDirectory
	members           memberRecorder
}

var _ engine.Synchronizer[gateway.MemberItem] = (*RoleSwapper)(nil)

func NewRoleSwapper(directory guildDirectory, members memberRecorder, guildID, legacyRoleID, replacementRoleID, verifiedRoleID string) *RoleSwapper {
	return &RoleSwapper{
		guildID:           guildID,
		legacyRoleID:      legacyRoleID,
		replacementRoleID: replacementRoleID,
		verifiedRoleID:    verifiedRoleID,
		directory:         directory,
		members:           members,
	}
}

func (s *RoleSwapper) Describe() string {
	return "Role migration"
}

func (s *RoleSwapper) Validate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RoleSwapper.Validate")
	defer span.End()

	if s.legacyRoleID == s.replacementRoleID {
		return fmt.Errorf("legacy and replacement role are both %s", s.legacyRoleID)
	}

	roles, err := s.directory.Roles(ctx, s.guildID)
	if err != nil {
		return fmt.Errorf("error listing guild roles: %w", err)
	}
	if findRole(roles, s.legacyRoleID) == nil {
		return fmt.Errorf("legacy role %s does not exist in guild %s", s.legacyRoleID, s.guildID)
	}
	if findRole(roles, s.replacementRoleID) == nil {
		return fmt.Errorf("replacement role %s does not exist in guild %s", s.replacementRoleID, s.guildID)
	}
	return nil
}

func (s *RoleSwapper) Process(ctx context.Context, item gateway.MemberItem) error {
	ctx, span := tracer.Start(ctx, "RoleSwapper.Process")
	defer span.End()

	m := item.Member
	roleIDs := append([]string{}, m.Roles...)

	if hasRole(roleIDs, s.legacyRoleID) {
		if !hasRole(roleIDs, s.replacementRoleID) {
			err := s.directory.AddMemberRole(ctx, s.guildID, m.User.ID, s.replacementRoleID)
			if err != nil {
				return fmt.Errorf("error granting replacement role to %s: %w", m.User.ID, err)
			}
			roleIDs = append(roleIDs, s.replacementRoleID)
		}

		err := s.directory.RemoveMemberRole(ctx, s.guildID, m.User.ID, s.legacyRoleID)
		if err != nil {
			return fmt.Errorf("error removing legacy role from %s: %w", m.User.ID, err)
		}
		roleIDs = removeRole(roleIDs, s.legacyRoleID)

		ctxzap.Extract(ctx).Debug("migrated member role",
			zap.String("guild_id", s.guildID),
			zap.String("member_id", m.User.ID))
	}

	return s.members.PutMember(ctx, &store.GuildMember{
		TenantID: s.guildID,
		MemberID: m.User.ID,
		Username: m.User.Username,
		RoleIDs:  roleIDs,
		Verified: hasRole(roleIDs, s.verifiedRoleID),
		Bot:      m.User.Bot,
	})
}

func removeRole(roles []string, roleID string) []string {
	out := roles[:0]
	for _, r := range roles {
		if r != roleID {
			out = append(out, r)
		}
	}
	return out
}
