package gateway

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/guildtools/guildsync/pkg/engine"
)

const archivedThreadPageSize = 100

// Partition names which listing a thread came from. A thread appears in
// exactly one partition per enumeration.
type Partition string

const (
	PartitionActive          Partition = "active"
	PartitionArchivedPublic  Partition = "archived-public"
	PartitionArchivedPrivate Partition = "archived-private"
)

// ThreadItem is one forum thread found in a partition of one forum channel.
type ThreadItem struct {
	Thread    *discordgo.Channel
	Partition Partition
}

func (t ThreadItem) ItemID() string {
	return t.Thread.ID
}

// ThreadSource enumerates every thread of the configured forum channels
// across the active, archived-public, and archived-private partitions,
// flattened into one stable list.
type ThreadSource struct {
	client   *Client
	guildID  string
	forumIDs []string
}

var _ engine.PagedSource[ThreadItem] = (*ThreadSource)(nil)

func NewThreadSource(client *Client, guildID string, forumIDs []string) *ThreadSource {
	return &ThreadSource{
		client:   client,
		guildID:  guildID,
		forumIDs: forumIDs,
	}
}

func (s *ThreadSource) Enumerate(ctx context.Context) ([]ThreadItem, error) {
	ctx, span := tracer.Start(ctx, "ThreadSource.Enumerate")
	defer span.End()

	l := ctxzap.Extract(ctx)

	forums := make(map[string]struct{}, len(s.forumIDs))
	for _, id := range s.forumIDs {
		forums[id] = struct{}{}
	}

	var ret []ThreadItem

	// Active threads are listed guild-wide, so filter down to our forums.
	active, err := s.client.ActiveThreads(ctx, s.guildID)
	if err != nil {
		return nil, err
	}
	for _, th := range active.Threads {
		if _, ok := forums[th.ParentID]; !ok {
			continue
		}
		ret = append(ret, ThreadItem{Thread: th, Partition: PartitionActive})
	}

	for _, forumID := range s.forumIDs {
		public, err := s.archivedThreads(ctx, forumID, false)
		if err != nil {
			return nil, err
		}
		ret = append(ret, public...)

		private, err := s.archivedThreads(ctx, forumID, true)
		if err != nil {
			return nil, err
		}
		ret = append(ret, private...)
	}

	l.Debug("enumerated forum threads",
		zap.String("guild_id", s.guildID),
		zap.Int("forums", len(s.forumIDs)),
		zap.Int("count", len(ret)))
	return ret, nil
}

// archivedThreads walks the before-cursor pagination of one archived
// listing. The cursor is the archive timestamp of the oldest thread on the
// page so far.
func (s *ThreadSource) archivedThreads(ctx context.Context, forumID string, private bool) ([]ThreadItem, error) {
	partition := PartitionArchivedPublic
	if private {
		partition = PartitionArchivedPrivate
	}

	var ret []ThreadItem
	var before *time.Time
	for {
		page, err := s.client.ArchivedThreads(ctx, forumID, private, before, archivedThreadPageSize)
		if err != nil {
			return nil, err
		}
		for _, th := range page.Threads {
			ret = append(ret, ThreadItem{Thread: th, Partition: partition})
		}
		if !page.HasMore || len(page.Threads) == 0 {
			break
		}
		last := page.Threads[len(page.Threads)-1]
		if last.ThreadMetadata == nil {
			break
		}
		ts := last.ThreadMetadata.ArchiveTimestamp
		before = &ts
	}
	return ret, nil
}
