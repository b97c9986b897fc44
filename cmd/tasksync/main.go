// Package main is the entrypoint for the tasksync client CLI.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/superscale/tasksync/internal/config"
	"github.com/superscale/tasksync/internal/live"
	"github.com/superscale/tasksync/internal/replica"
	"github.com/superscale/tasksync/internal/schema"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
	offline    bool
	logger     zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tasksync",
		Short: "Local-first todo client",
		Long: `tasksync keeps a local replica of your organization's todos, applies
changes immediately and pushes them to the server in order.

Run 'tasksync config init' to connect to a server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" {
				path, err := config.DefaultClientConfigPath()
				if err != nil {
					return err
				}
				opts.configPath = path
			}
			level := zerolog.WarnLevel
			if opts.debug {
				level = zerolog.DebugLevel
			}
			opts.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				Level(level).With().Timestamp().Logger()
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default ~/.tasksync/config.yml)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.BoolVar(&opts.offline, "offline", false, "queue changes without pushing them")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(opts),
		newStatusCmd(opts),
		newSyncCmd(opts),
		newWatchCmd(opts),
		newTodoCmd(opts),
		newTagCmd(opts),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tasksync %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Schema:     %d\n", schema.Version)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage client configuration",
	}

	cmd.AddCommand(
		newConfigInitCmd(opts),
		newConfigShowCmd(opts),
	)

	return cmd
}

func newConfigInitCmd(opts *globalOptions) *cobra.Command {
	var serverURL, token, orgID string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Connect this client to a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := url.Parse(serverURL)
			if err != nil {
				return fmt.Errorf("invalid server URL: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return fmt.Errorf("server URL must use http or https scheme")
			}

			cfg, err := config.LoadClientConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			cfg.ServerURL = strings.TrimSuffix(serverURL, "/")
			cfg.Token = token
			cfg.OrgID = orgID
			cfg.EnsureIdentity()
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			id, err := replica.NewHTTPTransport(cfg.ServerURL, cfg.Token, opts.logger).Identity(ctx)
			if err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			cfg.UserID = id.Subject

			if err := cfg.Save(opts.configPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Configuration saved to %s\n", opts.configPath)
			fmt.Printf("Server: %s\n", cfg.ServerURL)
			fmt.Printf("Signed in as: %s\n", id.Subject)
			fmt.Println("Run 'tasksync sync' to load your todos.")
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "tasksync server URL (required)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (required)")
	cmd.Flags().StringVar(&orgID, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func newConfigShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClientConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Printf("Config file: %s\n", opts.configPath)
			fmt.Println()

			if !cfg.IsConfigured() {
				fmt.Println("Client is not configured. Run 'tasksync config init' to set up.")
				return nil
			}

			fmt.Printf("Server URL:      %s\n", cfg.ServerURL)
			fmt.Printf("Token:           %s\n", maskToken(cfg.Token))
			fmt.Printf("Organization:    %s\n", cfg.OrgID)
			if cfg.UserID != "" {
				fmt.Printf("User:            %s\n", cfg.UserID)
			}
			if cfg.ClientGroupID != "" {
				fmt.Printf("Client group:    %s\n", cfg.ClientGroupID)
				fmt.Printf("Client:          %s\n", cfg.ClientID)
			}
			fmt.Printf("Outbox:          %s\n", cfg.ResolveOutboxPath(opts.configPath))
			return nil
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server connection and pending changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Printf("Server:  %s\n", s.cfg.ServerURL)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := s.transport.CheckHealth(ctx); err != nil {
				fmt.Printf("Health:  unreachable (%v)\n", err)
			} else {
				fmt.Println("Health:  ok")
				if stats, err := s.transport.Stats(ctx, s.cfg.OrgID); err == nil {
					fmt.Printf("Todos:   %d total, %d pending, %d in progress, %d completed, %d cancelled\n",
						stats.Total, stats.Pending, stats.InProgress, stats.Completed, stats.Cancelled)
				}
			}

			pending, err := s.client.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Pending: %d change(s) not yet pushed\n", pending)
			return nil
		},
	}
}

func newSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and refresh the local replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.client.Sync(cmd.Context())
			if result != nil {
				fmt.Printf("Applied: %d  Rejected: %d  Remaining: %d\n",
					result.Applied, len(result.Rejected), result.Remaining)
			}
			return err
		},
	}
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and sync whenever the server reports changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.client.Start(); err != nil {
				return err
			}
			if _, err := s.client.Sync(ctx); err != nil {
				opts.logger.Warn().Err(err).Msg("initial sync failed")
			}

			onPoke := func(ctx context.Context, p live.Poke) {
				result, err := s.client.Sync(ctx)
				if err != nil {
					if ctx.Err() == nil {
						opts.logger.Warn().Err(err).Msg("sync after poke failed")
					}
					return
				}
				fmt.Printf("%s synced, %d change(s) pushed\n",
					time.UnixMilli(p.At).Local().Format(time.Kitchen), result.Applied)
			}
			listener, err := replica.NewListener(s.cfg.ServerURL, s.cfg.Token, s.cfg.OrgID, onPoke, opts.logger)
			if err != nil {
				return err
			}

			fmt.Println("Watching for changes. Press Ctrl+C to stop.")
			return listener.Run(ctx)
		},
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
