package main

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/guildtools/guildsync/pkg/engine"
	"github.com/guildtools/guildsync/pkg/gateway"
	"github.com/guildtools/guildsync/pkg/jobs"
	"github.com/guildtools/guildsync/pkg/logging"
	"github.com/guildtools/guildsync/pkg/store"
	"github.com/guildtools/guildsync/pkg/tenantlock"
)

// app carries the shared wiring every command needs.
type app struct {
	cfg    *config
	store  *store.Store
	client *gateway.Client
	locks  *tenantlock.Registry
}

func setup(ctx context.Context, cmd *cobra.Command) (context.Context, *app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return ctx, nil, err
	}
	if err := cfg.validate(); err != nil {
		return ctx, nil, err
	}

	logOpts := []logging.Option{
		logging.WithLogLevel(cfg.LogLevel),
		logging.WithLogFormat(cfg.LogFormat),
	}
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithOutputPaths([]string{cfg.LogFile}))
	}
	ctx, err = logging.Init(ctx, logOpts...)
	if err != nil {
		return ctx, nil, err
	}

	st, err := store.New(ctx, cfg.DBFile)
	if err != nil {
		return ctx, nil, err
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		_ = st.Close()
		return ctx, nil, fmt.Errorf("error creating discord session: %w", err)
	}

	return ctx, &app{
		cfg:    cfg,
		store:  st,
		client: gateway.NewClient(ctx, session, gateway.WithRequestsPerSecond(cfg.RatePerSecond)),
		locks:  tenantlock.NewRegistry(),
	}, nil
}

func (a *app) notifier() engine.Notifier {
	if a.cfg.ProgressChannelID == "" {
		return nil
	}
	return gateway.NewChannelNotifier(a.client, a.cfg.ProgressChannelID)
}

// runJob drives a runner to completion and logs the outcome.
func runJob[T engine.Item](ctx context.Context, a *app, kind engine.JobKind, source engine.PagedSource[T], synchronizer engine.Synchronizer[T]) error {
	opts := []engine.RunnerOpt[T]{
		engine.WithStride[T](a.cfg.ProgressStride),
		engine.WithSaveEvery[T](a.cfg.SaveEvery),
	}
	if n := a.notifier(); n != nil {
		opts = append(opts, engine.WithNotifier[T](n))
	}
	if a.cfg.RetryFailed {
		opts = append(opts, engine.WithRetryFailed[T]())
	}

	runner, err := engine.NewRunner(a.cfg.GuildID, kind, a.locks, a.store, source, synchronizer, opts...)
	if err != nil {
		return err
	}

	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	l := ctxzap.Extract(ctx)
	l.Info("job complete",
		zap.String("kind", string(kind)),
		zap.String("run_id", result.RunID),
		zap.Int("total", result.Total),
		zap.Int("processed", result.Processed),
		zap.Int("failed", len(result.FailedIDs)),
		zap.Bool("resumed", result.Resumed),
	)
	if len(result.FailedIDs) > 0 {
		l.Warn("some items failed", zap.Strings("failed_ids", result.FailedIDs))
	}
	return nil
}

func verifyMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-members",
		Short: "Grant the verified role to every member that lacks it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.store.Close()

			if a.cfg.VerifiedRoleID == "" {
				return fmt.Errorf("a verified role id is required")
			}

			source := gateway.NewMemberSource(a.client, a.cfg.GuildID)
			synchronizer := jobs.NewMemberVerifier(a.client, a.store, a.cfg.GuildID, a.cfg.VerifiedRoleID)
			return runJob(ctx, a, jobs.KindVerifyMembers, source, synchronizer)
		},
	}
}

func swapRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swap-roles",
		Short: "Migrate every member from the legacy role to its replacement",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.store.Close()

			if a.cfg.LegacyRoleID == "" || a.cfg.ReplacementRoleID == "" {
				return fmt.Errorf("a legacy role id and a replacement role id are required")
			}

			source := gateway.NewMemberSource(a.client, a.cfg.GuildID)
			synchronizer := jobs.NewRoleSwapper(a.client, a.store, a.cfg.GuildID, a.cfg.LegacyRoleID, a.cfg.ReplacementRoleID, a.cfg.VerifiedRoleID)
			return runJob(ctx, a, jobs.KindSwapRoles, source, synchronizer)
		},
	}
}

func syncThreadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-threads",
		Short: "Mirror every forum thread into the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.store.Close()

			source := gateway.NewThreadSource(a.client, a.cfg.GuildID, a.cfg.ForumChannelIDs)
			synchronizer := jobs.NewThreadMirror(a.client, a.store, a.cfg.GuildID, a.cfg.ForumChannelIDs)
			return runJob(ctx, a, jobs.KindSyncThreads, source, synchronizer)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the live checkpoints for the configured guild",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.store.Close()

			summaries, err := a.store.ListCheckpoints(ctx, a.cfg.GuildID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintf(out, "no jobs in flight for guild %s\n", a.cfg.GuildID)
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%s\tprocessed=%d\tfailed=%d\tupdated=%s\n",
					s.Kind, s.Processed, s.Failed, s.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
