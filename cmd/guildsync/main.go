package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "guildsync",
		Short:   "Resumable bulk synchronization jobs for a Discord guild",
		Version: version,
	}

	cmd.PersistentFlags().String("token", "", "bot token ($GUILDSYNC_TOKEN)")
	cmd.PersistentFlags().String("guild-id", "", "id of the guild to operate on ($GUILDSYNC_GUILD_ID)")
	cmd.PersistentFlags().String("db-file", defaultDBFile, "path to the local mirror database ($GUILDSYNC_DB_FILE)")
	cmd.PersistentFlags().String("verified-role-id", "", "id of the verified role ($GUILDSYNC_VERIFIED_ROLE_ID)")
	cmd.PersistentFlags().String("legacy-role-id", "", "id of the role being migrated away from ($GUILDSYNC_LEGACY_ROLE_ID)")
	cmd.PersistentFlags().String("replacement-role-id", "", "id of the role replacing the legacy role ($GUILDSYNC_REPLACEMENT_ROLE_ID)")
	cmd.PersistentFlags().StringSlice("forum-channel-ids", nil, "forum channels to mirror ($GUILDSYNC_FORUM_CHANNEL_IDS)")
	cmd.PersistentFlags().String("progress-channel-id", "", "channel for progress messages, empty disables them ($GUILDSYNC_PROGRESS_CHANNEL_ID)")
	cmd.PersistentFlags().Int("progress-stride", defaultProgressGap, "emit a progress update every N items ($GUILDSYNC_PROGRESS_STRIDE)")
	cmd.PersistentFlags().Int("save-every", 1, "persist the checkpoint every N items ($GUILDSYNC_SAVE_EVERY)")
	cmd.PersistentFlags().Int("rate-per-second", defaultRatePerSec, "local request pace limit ($GUILDSYNC_RATE_PER_SECOND)")
	cmd.PersistentFlags().Bool("retry-failed", false, "retry items that failed in previous runs ($GUILDSYNC_RETRY_FAILED)")
	cmd.PersistentFlags().String("log-level", defaultLogLevel, "log level ($GUILDSYNC_LOG_LEVEL)")
	cmd.PersistentFlags().String("log-format", defaultLogFormat, "log format, json or console ($GUILDSYNC_LOG_FORMAT)")
	cmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr ($GUILDSYNC_LOG_FILE)")

	cmd.AddCommand(
		verifyMembersCmd(),
		swapRolesCmd(),
		syncThreadsCmd(),
		statusCmd(),
	)

	return cmd
}
