package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

type benchResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	P99Latency    time.Duration
	MaxLatency    time.Duration
}

// benchOp runs operation i and reports whether it succeeded.
type benchOp func(ctx context.Context, i int) bool

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a write and read load against a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			ops, _ := cmd.Flags().GetInt("ops")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			if ops <= 0 || concurrency <= 0 {
				return fmt.Errorf("ops and concurrency must be positive")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "=== shardkv benchmark ===\nTarget: %s\n\n", env.endpoint)

			ctx := cmd.Context()
			writes := runBench(ctx, ops, concurrency, func(ctx context.Context, i int) bool {
				ctx, cancel := env.context(ctx)
				defer cancel()
				key := []byte(fmt.Sprintf("bench_key_%d", i))
				return env.client.Set(ctx, env.endpoint, key, []byte(fmt.Sprintf("bench_value_%d", i))) == nil
			})
			printBench(out, fmt.Sprintf("Writes (%d ops, %d workers)", ops, concurrency), writes)

			reads := runBench(ctx, ops, concurrency, func(ctx context.Context, i int) bool {
				ctx, cancel := env.context(ctx)
				defer cancel()
				_, found, err := env.client.Get(ctx, env.endpoint, []byte(fmt.Sprintf("bench_key_%d", i)))
				return err == nil && found
			})
			printBench(out, fmt.Sprintf("Reads (%d ops, %d workers)", ops, concurrency), reads)
			return nil
		},
	}
	clientFlags(cmd)
	cmd.Flags().Int("ops", 1000, "operations per phase")
	cmd.Flags().Int("concurrency", 10, "concurrent workers")
	return cmd
}

// runBench spreads totalOps over concurrency workers; operation indexes
// are handed out so each index runs exactly once.
func runBench(ctx context.Context, totalOps, concurrency int, op benchOp) benchResult {
	start := time.Now()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		latencies = make([]time.Duration, 0, totalOps)
	)

	next := make(chan int)
	go func() {
		defer close(next)
		for i := 0; i < totalOps; i++ {
			select {
			case next <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				opStart := time.Now()
				ok := op(ctx, i)
				latency := time.Since(opStart)

				mu.Lock()
				if ok {
					succeeded++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return summarize(totalOps, succeeded, time.Since(start), latencies)
}

func summarize(total, succeeded int, elapsed time.Duration, latencies []time.Duration) benchResult {
	res := benchResult{
		TotalOps:      total,
		SuccessfulOps: succeeded,
		FailedOps:     total - succeeded,
		Duration:      elapsed,
	}
	if elapsed > 0 {
		res.OpsPerSec = float64(succeeded) / elapsed.Seconds()
	}
	if len(latencies) == 0 {
		return res
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.P99Latency = latencies[(len(latencies)*99)/100]
	return res
}

func printBench(w io.Writer, name string, r benchResult) {
	fmt.Fprintf(w, "%s\n", name)
	fmt.Fprintf(w, "  Successful: %d\n", r.SuccessfulOps)
	fmt.Fprintf(w, "  Failed: %d\n", r.FailedOps)
	fmt.Fprintf(w, "  Duration: %v\n", r.Duration)
	fmt.Fprintf(w, "  Operations/sec: %.2f\n", r.OpsPerSec)
	fmt.Fprintf(w, "  Latency avg/min/p99/max: %v / %v / %v / %v\n\n", r.AvgLatency, r.MinLatency, r.P99Latency, r.MaxLatency)
}
