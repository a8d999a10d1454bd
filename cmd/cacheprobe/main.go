// Command cacheprobe opens a function response cache from a YAML
// configuration file and reports its configured path, prefix and size
// and whether the cache is available, for operators diagnosing a cache
// directory without bringing up the full server.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/aafaque33/bes/internal/cache"
	"github.com/aafaque33/bes/internal/config"
	"github.com/aafaque33/bes/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (required)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "cacheprobe: -config is required")
		os.Exit(2)
	}

	runID := uuid.New().String()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("run_id", runID)

	if err := run(*configPath, logger); err != nil {
		logger.Error("cacheprobe failed", "error", err)
		os.Exit(1)
	}
}

// run opens the cache exactly as the host process would and reports
// its availability and configured bounds; it does not read the
// accounting record. It does not attempt a live
// get_or_cache call: that requires a dataset, a constraint evaluator,
// and a descriptor parser, which only a running BES process — not a
// standalone probe — has on hand.
func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	collector := metrics.New(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)

	c, err := cache.Open(cfg.Cache, nil, nil, collector, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}

	fmt.Printf("path=%s prefix=%s size_mb=%d available=%v\n", cfg.Cache.Path, cfg.Cache.Prefix, cfg.Cache.SizeMB, c.IsAvailable())
	return nil
}
