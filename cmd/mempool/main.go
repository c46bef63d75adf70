// Command mempool replays an allocation script against a configured
// pool and writes the result records to a file, mirroring the driver
// contract of the reference allocator.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dkessler/mempool"
	"github.com/dkessler/mempool/internal/config"
	"github.com/dkessler/mempool/internal/logger"
	"github.com/dkessler/mempool/internal/metrics"
	"github.com/dkessler/mempool/internal/script"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		outputDir   string
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "mempool <policy> <input-file>",
		Short: "Replay an allocation script against a buddy or slab pool",
		Long: `Replay an allocation script against a fixed memory pool.

Policy selects the allocator: 0 or "buddy" for the buddy system,
1 or "slab" for the slab allocator layered on top of it.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], outputDir, metricsAddr, logLevel)
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for result files (default from MEMPOOL_OUTPUT_DIR or \"output\")")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while the script runs")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	return cmd
}

func run(policyArg, inputPath, outputDir, metricsAddr, logLevel string) error {
	policy, err := mempool.ParsePolicy(policyArg)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	input, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer input.Close()

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	outputPath := filepath.Join(cfg.Output.Dir,
		fmt.Sprintf("result-%s-%s", policyArg, filepath.Base(inputPath)))
	output, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer output.Close()

	log.Info("replaying allocation script",
		zap.Stringer("policy", policy),
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.Int("memory_size", cfg.Pool.MemorySize),
		zap.Int("header_size", cfg.Pool.HeaderSize),
		zap.Int("min_chunk_size", cfg.Pool.MinChunkSize),
		zap.Int("objs_per_slab", cfg.Pool.ObjsPerSlab))

	mem, err := mempool.MapRegion(cfg.Pool.MemorySize)
	if err != nil {
		return fmt.Errorf("map region: %w", err)
	}
	defer mempool.UnmapRegion(mem)

	pool, err := mempool.Setup(policy, mem, mempool.Options{
		HeaderSize:   cfg.Pool.HeaderSize,
		MinChunkSize: cfg.Pool.MinChunkSize,
		ObjsPerSlab:  cfg.Pool.ObjsPerSlab,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("setup pool: %w", err)
	}

	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewCollector(pool))
		go func() {
			handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
			if err := http.ListenAndServe(metricsAddr, handler); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	out := bufio.NewWriter(output)
	runner := script.NewRunner(pool, out, log)
	if err := runner.Run(input); err != nil {
		return fmt.Errorf("run script: %w", err)
	}
	if err := out.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	stats := pool.Stats()
	log.Info("script complete",
		zap.Uint64("allocs", stats.Allocs),
		zap.Uint64("frees", stats.Frees),
		zap.Uint64("alloc_failures", stats.AllocFailures),
		zap.Int("bytes_reserved", stats.BytesReserved))
	return nil
}
