package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/threadscout/threadscout/internal/config"
	"github.com/threadscout/threadscout/internal/crawl"
	"github.com/threadscout/threadscout/internal/observability/otelx"
	"github.com/threadscout/threadscout/internal/output"
	"github.com/threadscout/threadscout/internal/ratelimit"
	"github.com/threadscout/threadscout/internal/source/reddit"
	"github.com/threadscout/threadscout/internal/statestore"
	"github.com/threadscout/threadscout/internal/trigger"
)

func main() {
	_ = godotenv.Load()
	env := config.LoadEnv()

	configPath := flag.String("config", env.ConfigPath, "path to threadscout document")
	runOnce := flag.Bool("run-once", env.RunOnce, "run a single crawl and exit")
	fullCrawl := flag.Bool("full", env.FullCrawl, "force a full crawl, ignoring prior records")
	statePath := flag.String("state", "", "override state database path")
	outDir := flag.String("out", "", "override output directory")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))
	slog.SetDefault(logger)

	doc, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := otelx.Init(ctx, logger, env.OTel)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	if shutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	store, err := statestore.NewSQLiteStore(firstNonEmpty(*statePath, env.StatePath, doc.State.Path))
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer store.Close()

	client, err := reddit.NewClient(reddit.Credentials{
		ClientID:     env.Reddit.ClientID,
		ClientSecret: env.Reddit.ClientSecret,
		Username:     env.Reddit.Username,
		Password:     env.Reddit.Password,
	}, env.Reddit.UserAgent, env.Reddit.HTTPTimeout, logger)
	if err != nil {
		log.Fatalf("failed to build platform client: %v", err)
	}

	opts := doc.CrawlOptions()
	if *fullCrawl {
		opts.Mode = crawl.ModeFull
	}

	limiter := ratelimit.New(store, doc.RateConfig(), logger)
	crawler, err := crawl.New(client, limiter, store, opts, logger)
	if err != nil {
		log.Fatalf("failed to build crawler: %v", err)
	}
	writer := output.NewWriter(firstNonEmpty(*outDir, env.OutputDir, doc.Output.Dir), logger)

	runCrawl := func() error {
		res, err := crawler.Run(ctx)
		if res != nil {
			if _, werr := writer.Write(res); werr != nil {
				logger.Error("failed to write run document", slog.Any("error", werr))
			}
		}
		return err
	}

	if *runOnce || doc.Schedule == nil {
		if err := runCrawl(); err != nil {
			log.Fatalf("crawl failed: %v", err)
		}
		return
	}

	cronTrigger := trigger.NewCron(doc.Schedule.Cron, doc.Schedule.Timezone)
	events, err := cronTrigger.Start(ctx)
	if err != nil {
		log.Fatalf("failed to start schedule: %v", err)
	}
	logger.Info("scheduled crawler started", slog.String("cron", doc.Schedule.Cron))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Info("scheduled crawl firing", slog.Time("at", ev.At))
			if err := runCrawl(); err != nil {
				logger.Error("crawl failed", slog.Any("error", err))
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
