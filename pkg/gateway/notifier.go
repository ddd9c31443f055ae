package gateway

import (
	"context"

	"github.com/guildtools/guildsync/pkg/engine"
)

// ChannelNotifier posts progress updates to one Discord channel. The handle
// returned by SendMessage is the message id, so later updates edit the same
// message in place instead of flooding the channel.
type ChannelNotifier struct {
	client    *Client
	channelID string
}

var _ engine.Notifier = (*ChannelNotifier)(nil)

func NewChannelNotifier(client *Client, channelID string) *ChannelNotifier {
	return &ChannelNotifier{
		client:    client,
		channelID: channelID,
	}
}

func (n *ChannelNotifier) SendMessage(ctx context.Context, content string) (string, error) {
	msg, err := n.client.SendMessage(ctx, n.channelID, content)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (n *ChannelNotifier) EditMessage(ctx context.Context, handle string, content string) error {
	_, err := n.client.EditMessage(ctx, n.channelID, handle, content)
	return err
}
