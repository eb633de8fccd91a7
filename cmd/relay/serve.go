package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-relay/internal/config"
	"chat-relay/internal/history"
	"chat-relay/internal/llm"
	"chat-relay/internal/logging"
	"chat-relay/internal/mcpserver"
	"chat-relay/internal/relay"
	"chat-relay/internal/scheduler"
	"chat-relay/internal/server"
	"chat-relay/internal/session"
	"chat-relay/internal/storage"
	"chat-relay/internal/upload"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket relay and chat API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}

			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := history.Open(cfg.HistoryFilePath, logger.Named("history"))
	if err != nil {
		return err
	}

	var rec storage.Recorder
	if cfg.InteractionLogPath != "" {
		fr, err := storage.NewFileRecorder(cfg.InteractionLogPath)
		if err != nil {
			logger.Warn("interaction log disabled", zap.Error(err))
		} else {
			defer fr.Close()
			rec = fr
		}
	}

	systemPrompt := readSystemPrompt(cfg.SystemPromptPath, logger)
	client, err := llm.NewFactory(cfg, systemPrompt).CreateClient(string(cfg.LLMProvider))
	if err != nil {
		return errors.Wrap(err, "creating llm client")
	}
	logger.Info("llm client ready",
		zap.String("provider", string(cfg.LLMProvider)),
		zap.String("model", cfg.OpenAIModel),
		zap.Bool("system_prompt", systemPrompt != ""),
	)

	registry := session.NewRegistry()
	deps := session.Deps{
		Store:    store,
		Client:   client,
		Relay:    relay.New(cfg.FrameDelay, logger.Named("relay")),
		Registry: registry,
		Recorder: rec,
		Logger:   logger.Named("session"),
	}

	var mcpHandler http.Handler
	if cfg.MCPEnabled {
		tools := mcpserver.NewTools(store, registry, logger.Named("mcp"))
		mcpHandler = mcpserver.Handler(mcpserver.NewServer(tools))
	}

	uploads := upload.New(cfg.UploadDir, cfg.MaxUploadBytes, logger.Named("upload"))
	srv := server.New(server.Options{
		Addr:           cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		MCP:            mcpHandler,
	}, store, uploads, deps, logger.Named("server"))

	sched := scheduler.New(logger.Named("scheduler"))
	if err := sched.AddJob("backup", cfg.BackupSchedule, scheduler.BackupJob(store, cfg.BackupDir, cfg.BackupKeep, time.Now)); err != nil {
		return err
	}
	if rec != nil {
		if err := sched.AddJob("daily-report", cfg.ReportSchedule, scheduler.ReportJob(rec, logger.Named("report"), time.Now)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	err = g.Wait()
	logger.Info("relay stopped", zap.Int("chats", store.Len()))
	return err
}

func readSystemPrompt(path string, logger *zap.Logger) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("system prompt file not found or unreadable", zap.String("path", path), zap.Error(err))
		return ""
	}
	return string(data)
}
