package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/config"
	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/store"
)

const (
	benchModeKey      = "key"
	benchModeToken    = "token"
	benchModeExchange = "exchange"
)

func newBenchmarkCmd() *cobra.Command {
	var (
		mode        string
		duration    time.Duration
		concurrency int
		useStore    bool
		noCache     bool
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark credential verification throughput",
		Long: `Run a load test against the authentication path to measure throughput and latency.

Modes:
  key       resolve a plaintext API key (legacy authentication)
  token     verify a signed access token (no store access)
  exchange  exchange an API key for a token pair

By default an in-memory SQLite store is used. With --use-store the configured
store is exercised; a temporary key is created and revoked afterwards.`,
		Example: `  marquee benchmark --mode key --duration 10s --concurrency 50
  marquee benchmark --mode key --no-cache --use-store
  marquee benchmark --mode token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case benchModeKey, benchModeToken, benchModeExchange:
			default:
				return fmt.Errorf("unsupported mode %q (supported: key, token, exchange)", mode)
			}
			if concurrency <= 0 {
				return fmt.Errorf("--concurrency must be positive")
			}
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			if !useStore {
				cfg.Store = config.StoreConfig{Driver: store.DriverSQLite, MaxOpenConns: concurrency + 5}
			}
			if noCache {
				cfg.Auth.KeyCacheTTL = -1
			}
			if cfg.Auth.JWTSecret == "" && !useStore {
				cfg.Auth.JWTSecret = "benchmark-signing-secret"
			}
			return runBenchmark(cmd, cfg, mode, duration, concurrency)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", benchModeKey, "What to measure: key, token or exchange")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "Test duration")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "Number of concurrent workers")
	cmd.Flags().BoolVar(&useStore, "use-store", false, "Run against the configured credential store")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the resolved-key cache")

	return cmd
}

// memStats captures a snapshot of memory statistics for reporting.
type memStats struct {
	HeapAlloc uint64
	Sys       uint64
}

func captureMemStats() memStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{HeapAlloc: m.HeapAlloc, Sys: m.Sys}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func runBenchmark(cmd *cobra.Command, cfg *config.Config, mode string, duration time.Duration, concurrency int) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Marquee Benchmark")
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(out, "Mode: %s | Store: %s\n", mode, cfg.Store.Driver)
	fmt.Fprintf(out, "Duration: %s | Concurrency: %d\n", duration, concurrency)
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(out)

	memBefore := captureMemStats()
	ctx := context.Background()

	// Benchmark output goes to stdout; only warnings are worth logging.
	cfg.Log.Level = "warn"
	logger, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	fmt.Fprint(out, "Opening store... ")
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	fmt.Fprintln(out, "ok")

	// The benchmark key is never touched so last-used writes do not skew
	// the measurement.
	cfg.Auth.TrackLastUsed = false
	keys, err := newManager(st, cfg, logger)
	if err != nil {
		return err
	}
	defer keys.Close()

	codec, err := newCodec(cfg, nil)
	if err != nil {
		return err
	}
	tokens := service.NewTokenService(codec, keys, logger)

	rec, err := keys.Create(ctx, apikey.CreateInput{
		Plan:        model.PlanTest,
		Description: "benchmark",
		CreatedBy:   "benchmark",
	})
	if err != nil {
		return fmt.Errorf("create benchmark key: %w", err)
	}
	defer keys.Revoke(context.Background(), rec.KeyID)

	pair, _, err := tokens.Exchange(ctx, rec.PlainKey)
	if err != nil {
		return fmt.Errorf("exchange benchmark key: %w", err)
	}

	var op func() error
	switch mode {
	case benchModeKey:
		op = func() error { _, err := keys.Lookup(ctx, rec.PlainKey); return err }
	case benchModeToken:
		op = func() error { _, err := codec.Verify(pair.AccessToken); return err }
	case benchModeExchange:
		op = func() error { _, _, err := tokens.Exchange(ctx, rec.PlainKey); return err }
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Running benchmark...")
	fmt.Fprintln(out)

	var (
		totalOps    atomic.Int64
		totalErrors atomic.Int64
		latencies   = make([]time.Duration, 0, 100000)
		latencyMu   sync.Mutex
	)

	deadline := time.Now().Add(duration)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, 1024)
			for time.Now().Before(deadline) {
				start := time.Now()
				err := op()
				elapsed := time.Since(start)
				if err != nil {
					totalErrors.Add(1)
					continue
				}
				totalOps.Add(1)
				local = append(local, elapsed)
			}
			latencyMu.Lock()
			latencies = append(latencies, local...)
			latencyMu.Unlock()
		}()
	}

	wg.Wait()

	printBenchmarkResults(out, totalOps.Load(), totalErrors.Load(), duration, latencies, memBefore, captureMemStats())
	return nil
}

func printBenchmarkResults(out io.Writer, total, errCount int64, duration time.Duration, latencies []time.Duration, before, after memStats) {
	ops := float64(total) / duration.Seconds()

	fmt.Fprintln(out, "Results")
	fmt.Fprintln(out, "-------")
	fmt.Fprintf(out, "  Total operations: %d\n", total)
	fmt.Fprintf(out, "  Errors:           %d\n", errCount)
	fmt.Fprintf(out, "  Ops/sec:          %.1f\n", ops)

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})
		fmt.Fprintf(out, "  Latency p50:      %s\n", latencies[len(latencies)*50/100])
		fmt.Fprintf(out, "  Latency p95:      %s\n", latencies[len(latencies)*95/100])
		fmt.Fprintf(out, "  Latency p99:      %s\n", latencies[len(latencies)*99/100])
		fmt.Fprintf(out, "  Latency max:      %s\n", latencies[len(latencies)-1])
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Memory")
	fmt.Fprintln(out, "------")
	fmt.Fprintf(out, "  Heap before:      %s\n", formatBytes(before.HeapAlloc))
	fmt.Fprintf(out, "  Heap after:       %s\n", formatBytes(after.HeapAlloc))
	fmt.Fprintf(out, "  RSS (sys) before: %s\n", formatBytes(before.Sys))
	fmt.Fprintf(out, "  RSS (sys) after:  %s\n", formatBytes(after.Sys))
}
