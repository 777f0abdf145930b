package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"feedscope/internal/analyzer"
	"feedscope/internal/config"
	"feedscope/internal/fetcher"
	"feedscope/internal/llm"
	"feedscope/internal/pipeline"
	"feedscope/internal/scraper"
	"feedscope/internal/storage"
)

func main() {
	configPath := flag.String("config", "feedscope.json", "path to config file")
	feedID := flag.Int64("feed", 0, "process only this feed id")
	category := flag.String("category", "", "process only feeds in this category")
	days := flag.Int("days", 0, "article window in days (default from config)")
	limit := flag.Int("limit", 0, "cap forced re-analysis batch size per feed")
	force := flag.Bool("force", false, "re-analyze already analyzed articles in the window")
	noSummary := flag.Bool("no-summary", false, "skip the summarize phase")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := cfg.ValidateLLM(); err != nil {
		log.Error("configuration", "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	proxySource := cfg.ProxySource()
	tokens := &llm.Counter{}

	ftch := fetcher.New(store, proxySource, log)
	scr := scraper.New(proxySource, log)
	client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, 0)
	an := analyzer.New(client, cfg.LLM.Model, store, tokens, log)

	orch := pipeline.New(store, ftch, scr, an, tokens, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	windowDays := cfg.WindowDays
	if *days > 0 {
		windowDays = *days
	}

	log.Info("starting run", "feeds", feedLabel(*feedID, *category), "days", windowDays, "force", *force)

	snap, err := orch.Run(ctx, pipeline.Options{
		RSSWorkers:  cfg.RSSConcurrency,
		LLMWorkers:  cfg.LLMConcurrency,
		FeedID:      *feedID,
		Category:    *category,
		Days:        windowDays,
		Limit:       *limit,
		Force:       *force,
		WantSummary: !*noSummary,
		OnProgress:  progressLogger(log),
	})
	if err != nil {
		log.Error("run", "error", err)
	}

	printSummary(snap)
	if err != nil {
		os.Exit(1)
	}
}

func feedLabel(feedID int64, category string) string {
	switch {
	case feedID != 0:
		return fmt.Sprintf("id=%d", feedID)
	case category != "":
		return "category=" + category
	default:
		return "all"
	}
}

func progressLogger(log *slog.Logger) analyzer.ProgressFunc {
	return func(ev analyzer.ProgressEvent) {
		log.Info("progress",
			"phase", ev.Phase,
			"current", ev.Current,
			"total", ev.Total,
			"article", ev.ArticleTitle,
			"tokens", ev.Tokens.Total,
		)
	}
}

func printSummary(s pipeline.Snapshot) {
	fmt.Printf("feeds:     %d/%d updated\n", s.FeedsDone-len(s.FeedErrors), s.FeedsTotal)
	fmt.Printf("articles:  %d new, %d analyzed, %d interesting\n", s.NewArticles, s.ArticlesAnalyzed, s.Interesting)
	fmt.Printf("scrapes:   %d/%d ok, %d failed\n", s.ScrapesDone, s.ScrapesTotal, s.ScrapeErrors)
	fmt.Printf("tokens:    %d prompt, %d completion, %d total\n", s.PromptTokens, s.CompletionTokens, s.TotalTokens)
	fmt.Printf("elapsed:   %s\n", s.Elapsed.Round(time.Second))

	if len(s.FeedErrors) > 0 {
		ids := make([]int64, 0, len(s.FeedErrors))
		for id := range s.FeedErrors {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fmt.Println("errors:")
		for _, id := range ids {
			fmt.Printf("  feed %d: %s\n", id, s.FeedErrors[id])
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
