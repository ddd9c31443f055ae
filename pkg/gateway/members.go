package gateway

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/guildtools/guildsync/pkg/engine"
)

const memberPageSize = 1000

// MemberItem is one guild member in a sync run. The member id is the
// stable identity a checkpoint tracks across runs.
type MemberItem struct {
	Member *discordgo.Member
}

func (m MemberItem) ItemID() string {
	return m.Member.User.ID
}

// MemberSource enumerates the full member list of a guild by walking the
// after-cursor pagination of the members endpoint.
type MemberSource struct {
	client  *Client
	guildID string
}

var _ engine.PagedSource[MemberItem] = (*MemberSource)(nil)

func NewMemberSource(client *Client, guildID string) *MemberSource {
	return &MemberSource{
		client:  client,
		guildID: guildID,
	}
}

func (s *MemberSource) Enumerate(ctx context.Context) ([]MemberItem, error) {
	ctx, span := tracer.Start(ctx, "MemberSource.Enumerate")
	defer span.End()

	l := ctxzap.Extract(ctx)

	var ret []MemberItem
	after := ""
	for {
		page, err := s.client.Members(ctx, s.guildID, after, memberPageSize)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			ret = append(ret, MemberItem{Member: m})
		}
		if len(page) < memberPageSize {
			break
		}
		after = page[len(page)-1].User.ID
	}

	l.Debug("enumerated guild members", zap.String("guild_id", s.guildID), zap.Int("count", len(ret)))
	return ret, nil
}
