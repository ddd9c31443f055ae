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

// MemberVerifier grants the verified role to every human member that does
// not have it yet and records each member in the local mirror. Bots are
// recorded but never granted the role.
type MemberVerifier struct {
	guildID        string
	verifiedRoleID string
	directory      guildDirectory
	members        memberRecorder
}

var _ engine.Synchronizer[gateway.MemberItem] = (*MemberVerifier)(nil)

func NewMemberVerifier(directory guildDirectory, members memberRecorder, guildID, verifiedRoleID string) *MemberVerifier {
	return &MemberVerifier{
		guildID:        guildID,
		verifiedRoleID: verifiedRoleID,
		directory:      directory,
		members:        members,
	}
}

func (v *MemberVerifier) Describe() string {
	return "Member verification"
}

// Validate confirms the verified role actually exists in the guild. Running
// against a deleted role would fail every single item.
func (v *MemberVerifier) Validate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "MemberVerifier.Validate")
	defer span.End()

	roles, err := v.directory.Roles(ctx, v.guildID)
	if err != nil {
		return fmt.Errorf("error listing guild roles: %w", err)
	}
	if findRole(roles, v.verifiedRoleID) == nil {
		return fmt.Errorf("verified role %s does not exist in guild %s", v.verifiedRoleID, v.guildID)
	}
	return nil
}

func (v *MemberVerifier) Process(ctx context.Context, item gateway.MemberItem) error {
	ctx, span := tracer.Start(ctx, "MemberVerifier.Process")
	defer span.End()

	m := item.Member
	roleIDs := m.Roles
	verified := hasRole(roleIDs, v.verifiedRoleID)
	isBot := m.User.Bot

	if !verified && !isBot {
		err := v.directory.AddMemberRole(ctx, v.guildID, m.User.ID, v.verifiedRoleID)
		if err != nil {
			return fmt.Errorf("error granting verified role to %s: %w", m.User.ID, err)
		}
		roleIDs = append(append([]string{}, roleIDs...), v.verifiedRoleID)
		verified = true

		ctxzap.Extract(ctx).Debug("granted verified role",
			zap.String("guild_id", v.guildID),
			zap.String("member_id", m.User.ID))
	}

	return v.members.PutMember(ctx, &store.GuildMember{
		TenantID: v.guildID,
		MemberID: m.User.ID,
		Username: m.User.Username,
		RoleIDs:  roleIDs,
		Verified: verified,
		Bot:      isBot,
	})
}
