// Command chatgate runs the chat gateway and its maintenance tasks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"chatgate/internal/cache"
	"chatgate/internal/config"
	"chatgate/internal/gateway"
	"chatgate/internal/middleware"
	"chatgate/internal/models"
	"chatgate/internal/moderation"
	"chatgate/internal/notifications"
	"chatgate/internal/observability"
	"chatgate/internal/repository"
	"chatgate/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	version          = "1.0.0"
	shutdownTimeout  = 15 * time.Second
	presenceInterval = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:          "chatgate",
	Short:        "chatgate - moderated realtime chat gateway",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket gateway",
	RunE:  runServe,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired messages and mute records once",
	RunE:  runPurge,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write stored chat history as JSON lines, oldest first",
	RunE:  runExport,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a wallet token for a client or admin",
	RunE:  runToken,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("store", "postgres", "store driver (postgres, sqlite, file)")
	_ = viper.BindPFlag("LOG_LEVEL", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("STORE_DRIVER", rootCmd.PersistentFlags().Lookup("store"))

	serveCmd.Flags().String("port", "8375", "listen port")
	_ = viper.BindPFlag("PORT", serveCmd.Flags().Lookup("port"))

	exportCmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	exportCmd.Flags().Int("limit", 0, "maximum messages to export (default EXPORT_LIMIT)")

	tokenCmd.Flags().String("address", "", "wallet address to bind")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("address")

	rootCmd.AddCommand(serveCmd, purgeCmd, exportCmd, tokenCmd)
}

// loadConfig reads configuration and installs the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	observability.InitLogger(observability.LogOptions{
		Level:      cfg.LogLevel,
		JSON:       cfg.IsProduction(),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger := observability.GlobalLogger

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "chatgate",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.TracingSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Starting chatgate",
		slog.String("version", version),
		slog.String("env", cfg.Env),
		slog.String("store", cfg.StoreDriver),
	)

	rdb := cache.InitRedis(cfg.RedisURL)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	store, err := repository.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close message store", slog.String("error", err.Error()))
		}
	}()

	validator, tracker, err := buildModeration(cfg)
	if err != nil {
		return err
	}
	admins, err := cfg.Admins()
	if err != nil {
		return err
	}

	presence := notifications.NewPresence(rdb, notifications.PresenceConfig{})
	defer presence.Stop()

	hub := notifications.NewHub(notifications.HubConfig{
		HistorySize:        cfg.HistoryReplaySize,
		MaxConnsPerAddress: cfg.WSMaxConnsPerAddress,
		MaxConns:           cfg.WSMaxConns,
		EventsPerSecond:    cfg.WSEventsPerSecond,
		EventBurst:         cfg.WSEventBurst,
		Unthrottled:        admins,
	}, presence)

	notifier := notifications.NewNotifier(rdb)
	gw := gateway.New(gateway.Config{
		LinkMute:    cfg.LinkMuteDuration,
		ExportLimit: cfg.ExportLimit,
		Admins:      admins,
	}, validator, tracker, store, hub, notifier)

	if err := gw.LoadHistory(ctx, cfg.HistoryReplaySize); err != nil {
		logger.Warn("starting with empty history", slog.String("error", err.Error()))
	}
	if err := notifier.Subscribe(ctx, gw.HandlePeerEvent); err != nil {
		logger.Warn("cross-instance fan-out disabled", slog.String("error", err.Error()))
	}

	srv, err := server.New(server.Deps{
		Config:  cfg,
		Store:   store,
		Redis:   rdb,
		Hub:     hub,
		Gateway: gw,
	})
	if err != nil {
		return err
	}

	sweeper := repository.NewSweeper(store, cfg.MessageRetention, cfg.RetentionSweepInterval)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Listen(":" + cfg.Port)
	})

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		return hub.RunPresence(gCtx, presenceInterval)
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down chatgate")
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("chatgate stopped with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("chatgate stopped gracefully")
	return nil
}

// buildModeration assembles the profanity filter, tracker and validator from
// configuration.
func buildModeration(cfg *config.Config) (*moderation.Validator, *moderation.Tracker, error) {
	words := append(moderation.DefaultWords(), cfg.CustomWords()...)
	if cfg.ProfanityWordsFile != "" {
		extra, err := moderation.LoadWordList(cfg.ProfanityWordsFile)
		if err != nil {
			return nil, nil, err
		}
		words = append(words, extra...)
	}
	filter, err := moderation.NewProfanityFilter(words)
	if err != nil {
		return nil, nil, err
	}

	schedule, err := cfg.BlockSchedule()
	if err != nil {
		return nil, nil, err
	}

	tracker := moderation.NewTracker(moderation.TrackerConfig{
		ProfanityMute:      cfg.ProfanityMuteDuration,
		ProfanityCooldown:  cfg.ProfanityCooldown,
		BlockSchedule:      schedule,
		BlockStep:          cfg.BlockStep,
		RateWindow:         cfg.RateLimitWindow,
		RateMute:           cfg.RateMuteDuration,
		RateAbuseThreshold: cfg.RateAbuseThreshold,
		RateAbuseReset:     cfg.RateAbuseReset,
		MaxSenders:         cfg.TrackerMaxSenders,
	})
	validator := moderation.NewValidator(moderation.ValidatorConfig{
		CharLimit:  cfg.ChatCharLimit,
		RateWindow: cfg.RateLimitWindow,
		RateMax:    cfg.RateLimitMax,
	}, filter, moderation.NewLinkDetector(), tracker)

	return validator, tracker, nil
}

func runPurge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := repository.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	messages, mutes, err := repository.NewSweeper(store, cfg.MessageRetention, 0).RunOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	observability.GlobalLogger.Info("purge complete",
		slog.Int64("messages", messages),
		slog.Int64("mute_records", mutes),
	)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		limit = cfg.ExportLimit
	}

	store, err := repository.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	msgs, err := store.ListRecent(cmd.Context(), limit, 0)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	slices.Reverse(msgs)

	var out io.Writer = cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	return writeJSONLines(out, msgs)
}

func writeJSONLines(w io.Writer, msgs []*models.ChatMessage) error {
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	raw, _ := cmd.Flags().GetString("address")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	addr, err := models.CanonicalAddress(raw)
	if err != nil {
		return err
	}
	token, err := middleware.IssueWalletToken(cfg.JWTSecret, addr, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
