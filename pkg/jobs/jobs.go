// Package jobs holds the per-item strategies for each bulk job kind. Each
// strategy mutates the remote guild first and records the result in the
// local mirror second, so replaying an item after a crash converges.
package jobs

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel"

	"github.com/guildtools/guildsync/pkg/engine"
	"github.com/guildtools/guildsync/pkg/store"
)

var tracer = otel.Tracer("guildsync/jobs")

const (
	KindVerifyMembers engine.JobKind = "verify-members"
	KindSwapRoles     engine.JobKind = "swap-roles"
	KindSyncThreads   engine.JobKind = "sync-threads"
)

// guildDirectory is the slice of the gateway client the role jobs need.
type guildDirectory interface {
	Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error)
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
}

// channelReader is the slice of the gateway client the thread job needs.
type channelReader interface {
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	Messages(ctx context.Context, channelID string, limit int, beforeID string) ([]*discordgo.Message, error)
}

// memberRecorder is the member mirror surface of the store.
type memberRecorder interface {
	PutMember(ctx context.Context, m *store.GuildMember) error
}

// threadRecorder is the thread mirror surface of the store.
type threadRecorder interface {
	PutThread(ctx context.Context, t *store.ForumThread) error
}

func hasRole(roles []string, roleID string) bool {
	for _, r := range roles {
		if r == roleID {
			return true
		}
	}
	return false
}

func findRole(roles []*discordgo.Role, roleID string) *discordgo.Role {
	for _, r := range roles {
		if r.ID == roleID {
			return r
		}
	}
	return nil
}
