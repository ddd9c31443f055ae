package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/guildtools/guildsync/pkg/retry"
)

var tracer = otel.Tracer("guildsync/gateway")

const (
	defaultRequestsPerSecond = 10
	defaultMaxAttempts       = 3
)

// API is the slice of the Discord REST surface the sync jobs depend on.
// *discordgo.Session satisfies it.
type API interface {
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberRoleRemove(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ThreadsArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ThreadsPrivateArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Client wraps the Discord REST API with a local pace limiter and a retry
// budget for 429 and transient 5xx responses. All sync traffic for a tenant
// goes through one Client so the pace limit is shared across jobs. The retry
// budget is per operation; failures on one call never shrink another call's
// budget.
type Client struct {
	api      API
	limiter  ratelimit.Limiter
	retryCfg retry.RetryConfig
}

type Option func(c *Client)

// WithRequestsPerSecond overrides the local pace limit.
func WithRequestsPerSecond(rps int) Option {
	return func(c *Client) {
		c.limiter = ratelimit.New(rps)
	}
}

// WithRetryConfig overrides the default per-operation retry budget.
func WithRetryConfig(cfg retry.RetryConfig) Option {
	return func(c *Client) {
		c.retryCfg = cfg
	}
}

func NewClient(ctx context.Context, api API, opts ...Option) *Client {
	c := &Client{
		api:      api,
		limiter:  ratelimit.New(defaultRequestsPerSecond),
		retryCfg: retry.RetryConfig{MaxAttempts: defaultMaxAttempts},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call paces the request and retries it with a fresh budget for this
// operation only.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Client."+op)
	defer span.End()

	l := ctxzap.Extract(ctx)
	retryer := retry.NewRetryer(ctx, c.retryCfg)
	for {
		c.limiter.Take()

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryer.ShouldWaitAndRetry(ctx, err) {
			l.Debug("retrying discord request", zap.String("op", op), zap.Error(err))
			continue
		}
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (c *Client) Members(ctx context.Context, guildID string, after string, limit int) ([]*discordgo.Member, error) {
	var ret []*discordgo.Member
	err := c.call(ctx, "GuildMembers", func(ctx context.Context) error {
		members, err := c.api.GuildMembers(guildID, after, limit, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		ret = members
		return nil
	})
	return ret, err
}

func (c *Client) Roles(ctx context.Context, guildID string) ([]*discordgo.Role, error) {
	var ret []*discordgo.Role
	err := c.call(ctx, "GuildRoles", func(ctx context.Context) error {
		roles, err := c.api.GuildRoles(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		ret = roles
		return nil
	})
	return ret, err
}

func (c *Client) AddMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.call(ctx, "GuildMemberRoleAdd", func(ctx context.Context) error {
		return c.api.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
	})
}

func (c *Client) RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.call(ctx, "GuildMemberRoleRemove", func(ctx context.Context) error {
		return c.api.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
	})
}

func (c *Client) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	var ret *discordgo.Channel
	err := c.call(ctx, "Channel", func(ctx context.Context) error {
		ch, err := c.api.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		ret = ch
		return nil
	})
	return ret, err
}

func (c *Client) ActiveThreads(ctx context.Context, guildID string) (*discordgo.ThreadsList, error) {
	var ret *discordgo.ThreadsList
	err := c.call(ctx, "GuildThreadsActive", func(ctx context.Context) error {
		tl, err := c.api.GuildThreadsActive(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		ret = tl
		return nil
	})
	return ret, err
}

func (c *Client) ArchivedThreads(ctx context.Context, channelID string, private bool, before *time.Time, limit int) (*discordgo.ThreadsList, error) {
	var ret *discordgo.ThreadsList
	op := "ThreadsArchived"
	if private {
		op = "ThreadsPrivateArchived"
	}
	err := c.call(ctx, op, func(ctx context.Context) error {
		var tl *discordgo.ThreadsList
		var err error
		if private {
			tl, err = c.api.ThreadsPrivateArchived(channelID, before, limit, discordgo.WithContext(ctx))
		} else {
			tl, err = c.api.ThreadsArchived(channelID, before, limit, discordgo.WithContext(ctx))
		}
		if err != nil {
			return err
		}
		ret = tl
		return nil
	})
	return ret, err
}

func (c *Client) Messages(ctx context.Context, channelID string, limit int, beforeID string) ([]*discordgo.Message, error) {
	var ret []*discordgo.Message
	err := c.call(ctx, "ChannelMessages", func(ctx context.Context) error {
		msgs, err := c.api.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		ret = msgs
		return nil
	})
	return ret, err
}

func (c *Client) SendMessage(ctx context.Context, channelID string, content string) (*discordgo.Message, error) {
	var ret *discordgo.Message
	err := c.call(ctx, "ChannelMessageSend", func(ctx context.Context) error {
		msg, err := c.api.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		ret = msg
		return nil
	})
	return ret, err
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, content string) (*discordgo.Message, error) {
	var ret *discordgo.Message
	err := c.call(ctx, "ChannelMessageEdit", func(ctx context.Context) error {
		msg, err := c.api.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		ret = msg
		return nil
	})
	return ret, err
}
