package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// message mirrors internal/feed.Message; kept as a separate type here
// so feedsim has no compile-time dependency on the engine module, the
// same arm's-length relationship a real external publisher would have.
type message struct {
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type opts struct {
	redisURL    string
	channel     string
	symbols     []string
	interval    time.Duration
	volatility  float64
	spikeChance float64
	spikeFactor float64
	seed        int64
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "feedsim",
		Short: "Simulated price-tick publisher for exercising tickengine",
		Long: `feedsim runs an independent random-walk price generator per symbol and
publishes JSON tick messages to a Redis Pub/Sub channel, with an
occasional scripted price spike injected per symbol so a downstream
tickengine instance has something to detect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().StringVar(&o.redisURL, "redis-url", "redis://localhost:6379", "redis connection URL")
	root.Flags().StringVar(&o.channel, "channel", "ticks", "redis pub/sub channel to publish to")
	root.Flags().StringSliceVar(&o.symbols, "symbols", []string{"AAPL", "MSFT", "GOOG", "AMZN"}, "symbols to simulate")
	root.Flags().DurationVar(&o.interval, "interval", 200*time.Millisecond, "per-symbol tick interval")
	root.Flags().Float64Var(&o.volatility, "volatility", 0.1, "per-tick random walk step as a percent of price")
	root.Flags().Float64Var(&o.spikeChance, "spike-chance", 0.01, "probability a given tick is a scripted spike instead of a normal step")
	root.Flags().Float64Var(&o.spikeFactor, "spike-factor", 5.0, "spike step size as a multiple of volatility")
	root.Flags().Int64Var(&o.seed, "seed", 0, "PRNG seed (0 picks a time-derived seed)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	if len(o.symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if o.interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}

	opt, err := redis.ParseURL(o.redisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seed := o.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	fmt.Printf("feedsim publishing %d symbols to %s (channel %q)\n", len(o.symbols), o.redisURL, o.channel)

	var wg sync.WaitGroup
	for i, sym := range o.symbols {
		wg.Add(1)
		go func(sym string, seedOffset int64) {
			defer wg.Done()
			symbolRunner(ctx, client, o, sym, rand.New(rand.NewSource(seed+seedOffset)))
		}(strings.ToUpper(sym), int64(i))
	}
	wg.Wait()

	fmt.Println("feedsim stopped")
	return nil
}

// symbolRunner drives one symbol's independent random walk at a fixed
// interval, occasionally injecting a scripted spike, until ctx is
// canceled.
func symbolRunner(ctx context.Context, client *redis.Client, o opts, symbol string, rng *rand.Rand) {
	price := 50 + rng.Float64()*450 // seed somewhere in [50, 500)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price = nextPrice(rng, price, o)
			if price <= 0 {
				price = 0.01
			}

			msg := message{
				Symbol:      symbol,
				Price:       decimal.NewFromFloat(price).StringFixed(4),
				TimestampMs: time.Now().UnixMilli(),
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := client.Publish(ctx, o.channel, payload).Err(); err != nil {
				fmt.Fprintf(os.Stderr, "publish %s: %v\n", symbol, err)
			}
		}
	}
}

// nextPrice applies one random-walk step, occasionally replaced by a
// larger scripted spike step in either direction.
func nextPrice(rng *rand.Rand, price float64, o opts) float64 {
	stepPercent := (rng.Float64()*2 - 1) * o.volatility
	if rng.Float64() < o.spikeChance {
		direction := 1.0
		if rng.Float64() < 0.5 {
			direction = -1.0
		}
		stepPercent = direction * o.volatility * o.spikeFactor
	}
	return price * (1 + stepPercent/100)
}
