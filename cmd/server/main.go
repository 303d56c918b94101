package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitebot.dev/chatbot/internal/api"
	"sitebot.dev/chatbot/internal/config"
	"sitebot.dev/chatbot/internal/core"
	"sitebot.dev/chatbot/internal/ingest"
	"sitebot.dev/chatbot/internal/logging"
	"sitebot.dev/chatbot/internal/schedule"
	"sitebot.dev/chatbot/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sitebot",
		Short:         "Website chatbot answer service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), ingestCmd(), seedCmd(), resetUsageCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads config and installs the process logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	if !cfg.DotEnvLoaded {
		logger.Debug("no .env file found, using environment only")
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the usage reset scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := logging.WithContext(cmd.Context(), logger)
			deps, err := newDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()
			if err := deps.initRetrieval(ctx); err != nil {
				return err
			}
			return runServer(ctx, cfg, logger, deps)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps *deps) error {
	retry := deps.retryPolicy()
	assembler := core.NewContextAssembler(core.NewEmbeddingClient(deps.embedder, retry), deps.index, core.RetrievalOptions{
		TopK:        cfg.RetrievalTopK,
		MinScore:    &cfg.RetrievalMinScore,
		MaxChars:    cfg.ContextMaxChars,
		Parallelism: cfg.RetrievalParallelism,
		Retry:       retry,
	})
	answers, err := core.NewAnswerService(deps.store, assembler, deps.provider, core.AnswerOptions{
		Models:         core.ModelSet{Standard: cfg.LLMModelStandard, Advanced: cfg.LLMModelAdvanced},
		Timeout:        cfg.PipelineTimeout,
		MaxQueryLength: cfg.MaxQueryLength,
		Retry:          retry,
	})
	if err != nil {
		return fmt.Errorf("init answer service: %w", err)
	}
	chats := core.NewChatService(deps.store)
	router := api.NewRouter(api.NewAPIHandler(answers, chats), logger)

	scheduler := schedule.NewCronScheduler(logger)
	if err := scheduler.AddJob(schedule.NewUsageResetJob(deps.store, logger), cfg.UsageResetSpec); err != nil {
		return fmt.Errorf("schedule usage reset: %w", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streams are bounded by the pipeline timeout.
		WriteTimeout: cfg.PipelineTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", serverAddr),
			zap.String("store", cfg.StoreBackend),
			zap.String("vector", cfg.VectorBackend),
			zap.String("llm", cfg.LLMProvider),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", serverAddr, err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited gracefully")
	return nil
}

func ingestCmd() *cobra.Command {
	var chatbotID, filePath, fileKey, title string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Chunk, embed and index a text or markdown file as a chatbot source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := logging.WithContext(cmd.Context(), logger)
			deps, err := newDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()
			if err := deps.initRetrieval(ctx); err != nil {
				return err
			}
			if _, err := deps.store.GetChatbot(ctx, chatbotID); err != nil {
				return fmt.Errorf("chatbot %s: %w", chatbotID, err)
			}

			body, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read %s: %w", filePath, err)
			}
			if fileKey == "" {
				fileKey = chatbotID + "/" + filepath.Base(filePath)
			}

			ing := ingest.NewIngester(core.NewEmbeddingClient(deps.embedder, deps.retryPolicy()), deps.index, deps.store, ingest.Options{}, logger)
			res, err := ing.Ingest(ctx, ingest.Document{ChatbotID: chatbotID, FileKey: fileKey, Title: title, Body: body})
			if err != nil {
				return err
			}
			logger.Info("ingestion complete", zap.String("file_key", res.Source.FileKey), zap.Int("chunks", res.Chunks), zap.Int("skipped", res.Skipped))
			return nil
		},
	}
	cmd.Flags().StringVar(&chatbotID, "chatbot", "", "chatbot id the source belongs to")
	cmd.Flags().StringVar(&filePath, "file", "", "path to a .md or .txt file")
	cmd.Flags().StringVar(&fileKey, "key", "", "source file key (default <chatbot>/<file name>)")
	cmd.Flags().StringVar(&title, "title", "", "human readable source title")
	_ = cmd.MarkFlagRequired("chatbot")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type seedFile struct {
	Chatbots []store.Chatbot `json:"chatbots"`
	FAQs     []store.FAQ     `json:"faqs"`
}

func seedCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create or update chatbots and FAQs from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			raw, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read %s: %w", filePath, err)
			}
			var seed seedFile
			if err := json.Unmarshal(raw, &seed); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}

			ctx := logging.WithContext(cmd.Context(), logger)
			deps, err := newDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			for i := range seed.Chatbots {
				bot := &seed.Chatbots[i]
				if err := deps.store.SaveChatbot(ctx, bot); err != nil {
					return fmt.Errorf("save chatbot %q: %w", bot.Name, err)
				}
				logger.Info("chatbot saved", zap.String("chatbot_id", bot.ID), zap.String("name", bot.Name))
			}
			for i := range seed.FAQs {
				faq := &seed.FAQs[i]
				if err := deps.store.SaveFAQ(ctx, faq); err != nil {
					return fmt.Errorf("save faq %q: %w", faq.Question, err)
				}
			}
			logger.Info("seed complete", zap.Int("chatbots", len(seed.Chatbots)), zap.Int("faqs", len(seed.FAQs)))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to the seed JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func resetUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-usage",
		Short: "Reset the daily message counter of every chatbot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := logging.WithContext(cmd.Context(), logger)
			deps, err := newDeps(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()
			return schedule.NewUsageResetJob(deps.store, logger).Run(ctx)
		},
	}
}
