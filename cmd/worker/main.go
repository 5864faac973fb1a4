package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"podcast-pipeline/internal/approval"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/evaluation"
	"podcast-pipeline/internal/feed"
	"podcast-pipeline/internal/guardrails"
	"podcast-pipeline/internal/llm"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/messages"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/notify"
	"podcast-pipeline/internal/pipeline"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/storage"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/supervisor"
	"podcast-pipeline/internal/synth"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/transition"
	"podcast-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "worker", "consumer", cfg.ConsumerName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	topics, err := selectTopics(cfg.WorkerStages)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg, logger)
	defer q.Close()
	mover := transition.New(st, q, logger)

	deps, cleanup, err := buildDeps(ctx, cfg, mover, topics, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	proc := worker.NewProcessor(q, mover, "worker-"+cfg.ConsumerName, logger)
	routes := pipeline.New(deps).Routes()
	for _, t := range topics {
		proc.RegisterHandler(t, routes[t])
	}
	sup := supervisor.New(mover, supervisor.MirrorFromConfig(cfg))
	proc.RegisterHandler(messages.TopicJobStatus, sup.RelayStatus)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return approval.NewSweeper(mover).Run(gctx, cfg.SweepInterval) })
	g.Go(func() error { return sup.RunReconciler(gctx, cfg.ReconcileInterval, cfg.ReconcileStaleAfter) })
	g.Go(func() error {
		err := metrics.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	logger.Info("worker started", "topics", proc.Topics(), "visibility", cfg.VisibilityTimeout)
	return g.Wait()
}

// selectTopics resolves WORKER_STAGES. "all" serves every stage topic; otherwise each entry is a
// stage name (every phase of it) or a full topic.
func selectTopics(stages []string) ([]string, error) {
	all := messages.StageTopics()
	var out []string
	seen := map[string]bool{}
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, s := range stages {
		if s == "all" {
			for _, t := range all {
				add(t)
			}
			continue
		}
		if _, _, ok := messages.ParseTopic(s); ok {
			add(s)
			continue
		}
		stage, ok := models.ParseStage(s)
		if !ok {
			return nil, fmt.Errorf("WORKER_STAGES: unknown stage or topic %q", s)
		}
		for _, t := range all {
			if ts, _, _ := messages.ParseTopic(t); ts == stage {
				add(t)
			}
		}
	}
	return out, nil
}

// buildDeps creates only the external clients the served topics need.
func buildDeps(ctx context.Context, cfg config.Config, mover *transition.Mover, topics []string, logger *slog.Logger) (pipeline.Deps, func(), error) {
	deps := pipeline.Deps{Mover: mover, Policy: cfg.Policy, Voice: cfg.DefaultVoice}
	cleanup := func() {}

	needsLLM, needsAudio, needsStorage := false, false, false
	for _, t := range topics {
		stage, phase, _ := messages.ParseTopic(t)
		switch {
		case stage == models.StageAudio && phase == messages.PhaseGeneration:
			needsAudio, needsStorage = true, true
		case stage == models.StagePublish:
			needsStorage = true
		case stage == models.StageAudio:
		case phase != messages.PhaseApproval:
			needsLLM = true
		}
	}

	if needsLLM {
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return deps, cleanup, fmt.Errorf("init llm client: %w", err)
		}
		cleanup = func() { _ = client.Close() }
		deps.LLM = client
		deps.Guardrails = guardrails.Default(client, logger)
	}
	deps.Evaluators = evaluation.NewSet(deps.LLM, cfg.Policy.AudioSimulatedScore)
	deps.Gate = approval.NewGate(mover, notify.FromConfig(cfg, logger), approval.NewTokens(cfg.ApprovalSecret, cfg.ApprovalTokenTTL), cfg)

	if needsStorage {
		uploader, err := storage.FromConfig(ctx, cfg)
		if err != nil {
			return deps, cleanup, fmt.Errorf("init storage: %w", err)
		}
		deps.Uploader = uploader
		deps.Publisher = feed.NewPublisher(uploader, cfg, logger)
	}
	if needsAudio {
		tts, err := synth.NewGoogleSynthesizer(ctx, cfg.TTSAPIKey)
		if err != nil {
			return deps, cleanup, fmt.Errorf("init speech synthesis: %w", err)
		}
		deps.Renderer = synth.NewRenderer(tts, synth.NewChunker(cfg.TTSMaxChunkBytes), "", logger)
	}
	return deps, cleanup, nil
}
