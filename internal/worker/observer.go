package worker

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/computeshare/internal/core"
	"github.com/nmxmxh/computeshare/internal/metrics"
)

// Outcome classifies an inbound gossip message.
type Outcome string

const (
	OutcomeObserved    Outcome = "observed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeOwn         Outcome = "own"
)

// ObserverConfig bounds how peer results are observed
type ObserverConfig struct {
	BloomFilter struct {
		ExpectedElements  uint    `json:"expected_elements"`
		FalsePositiveRate float64 `json:"false_positive_rate"`
	} `json:"bloom_filter"`
	RateLimit struct {
		MessagesPerSecond int `json:"messages_per_second"` // Per sender
		BurstSize         int `json:"burst_size"`
	} `json:"rate_limit"`
}

func DefaultObserverConfig() ObserverConfig {
	var cfg ObserverConfig
	cfg.BloomFilter.ExpectedElements = 100000
	cfg.BloomFilter.FalsePositiveRate = 0.01
	cfg.RateLimit.MessagesPerSecond = 50
	cfg.RateLimit.BurstSize = 100
	return cfg
}

// Observer logs signed results published by other workers. Results are not
// verified or acted on; repeats are dropped and noisy senders throttled.
type Observer struct {
	self     peer.ID
	seen     *bloom.BloomFilter
	limiter  *limiter.TokenBucket
	observed atomic.Uint64
	logger   *slog.Logger
}

func NewObserver(self peer.ID, config ObserverConfig, logger *slog.Logger) (*Observer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(config.RateLimit.MessagesPerSecond),
			Duration: time.Second,
			Burst:    int64(config.RateLimit.BurstSize),
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, err
	}
	return &Observer{
		self: self,
		seen: bloom.NewWithEstimates(
			config.BloomFilter.ExpectedElements,
			config.BloomFilter.FalsePositiveRate,
		),
		limiter: tb,
		logger:  logger.With("component", "observer"),
	}, nil
}

// Observe handles one inbound message body.
func (o *Observer) Observe(from peer.ID, data []byte) Outcome {
	outcome := o.observe(from, data)
	metrics.GossipReceivedTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (o *Observer) observe(from peer.ID, data []byte) Outcome {
	if from == o.self {
		return OutcomeOwn
	}
	if !o.limiter.Allow(from.String()) {
		return OutcomeRateLimited
	}
	signed, err := core.DecodeSignedResult(data)
	if err != nil {
		return OutcomeMalformed
	}

	key := signed.Result.ID + "\x00" + signed.Result.Worker + "\x00" + signed.Signature
	if o.seen.TestAndAddString(key) {
		return OutcomeDuplicate
	}

	o.observed.Add(1)
	o.logger.Info("peer result",
		"from", from.String(),
		"task_id", signed.Result.ID,
		"worker", signed.Result.Worker,
		"output", signed.Result.Output)
	return OutcomeObserved
}

// Observed returns the number of distinct peer results seen.
func (o *Observer) Observed() uint64 {
	return o.observed.Load()
}
