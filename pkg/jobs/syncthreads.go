package jobs

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/guildtools/guildsync/pkg/engine"
	"github.com/guildtools/guildsync/pkg/gateway"
	"github.com/guildtools/guildsync/pkg/store"
)

const threadMessagePageSize = 100

// ThreadMirror records every forum thread in the local mirror. It is read
// only with respect to the guild; nothing on the remote side is mutated.
type ThreadMirror struct {
	guildID  string
	forumIDs []string
	channels channelReader
	threads  threadRecorder
}

var _ engine.Synchronizer[gateway.ThreadItem] = (*ThreadMirror)(nil)

func NewThreadMirror(channels channelReader, threads threadRecorder, guildID string, forumIDs []string) *ThreadMirror {
	return &ThreadMirror{
		guildID:  guildID,
		forumIDs: forumIDs,
		channels: channels,
		threads:  threads,
	}
}

func (t *ThreadMirror) Describe() string {
	return "Thread sync"
}

// Validate confirms every configured channel exists and is a forum.
func (t *ThreadMirror) Validate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ThreadMirror.Validate")
	defer span.End()

	if len(t.forumIDs) == 0 {
		return fmt.Errorf("no forum channels configured for guild %s", t.guildID)
	}

	for _, id := range t.forumIDs {
		ch, err := t.channels.Channel(ctx, id)
		if err != nil {
			return fmt.Errorf("error fetching channel %s: %w", id, err)
		}
		if ch.Type != discordgo.ChannelTypeGuildForum {
			return fmt.Errorf("channel %s is not a forum channel", id)
		}
	}
	return nil
}

func (t *ThreadMirror) Process(ctx context.Context, item gateway.ThreadItem) error {
	ctx, span := tracer.Start(ctx, "ThreadMirror.Process")
	defer span.End()

	th := item.Thread

	// The thread listing's message count saturates, so read the newest
	// message page for an exact count of small threads and the real last
	// message id.
	msgs, err := t.channels.Messages(ctx, th.ID, threadMessagePageSize, "")
	if err != nil {
		return fmt.Errorf("error reading messages of thread %s: %w", th.ID, err)
	}

	count := th.MessageCount
	if len(msgs) < threadMessagePageSize {
		count = len(msgs)
	}
	lastMessageID := ""
	if len(msgs) > 0 {
		lastMessageID = msgs[0].ID
	}

	archived := false
	if th.ThreadMetadata != nil {
		archived = th.ThreadMetadata.Archived
	}

	return t.threads.PutThread(ctx, &store.ForumThread{
		TenantID:      t.guildID,
		ThreadID:      th.ID,
		ParentID:      th.ParentID,
		Title:         th.Name,
		Partition:     string(item.Partition),
		Archived:      archived,
		MessageCount:  count,
		LastMessageID: lastMessageID,
	})
}
