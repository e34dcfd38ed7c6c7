package data

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Source produces data values into a Repository. Start blocks until ctx is
// done, Stop is called, or the source fails.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

type Kind string

const (
	KindSimulation Kind = "simulation"
	KindRedis      Kind = "redis"
	KindKafka      Kind = "kafka"
	KindAMQP       Kind = "amqp"
)

var ErrSourceClosed = errors.New("source input closed")

// Config selects and configures one Source.
type Config struct {
	Kind       Kind
	Simulation SimulationConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	AMQP       AMQPConfig
}

// NewSource builds the configured source on top of repo.
func NewSource(cfg Config, repo *Repository, log *zap.Logger) (Source, error) {
	switch Kind(strings.ToLower(string(cfg.Kind))) {
	case "", KindSimulation:
		return NewSimulation(cfg.Simulation, repo, log), nil
	case KindRedis:
		return NewRedisFeed(cfg.Redis, repo, log)
	case KindKafka:
		return NewKafkaFeed(cfg.Kafka, repo, log)
	case KindAMQP:
		return NewAMQPFeed(cfg.AMQP, repo, log), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// stopper lets Stop cancel whatever Start is running.
type stopper struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func (s *stopper) run(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		cancel()
	}
	s.cancel = cancel
	return ctx, cancel
}

func (s *stopper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}

// ingest appends one external payload. Blank payloads are skipped.
func ingest(repo *Repository, log *zap.Logger, payload string) bool {
	value := strings.TrimSpace(payload)
	if value == "" {
		log.Debug("Skipping empty payload")
		return false
	}
	repo.Add(value)
	return true
}

// pump feeds every value received on in to repo until ctx is done or in is
// closed. It returns the number of appended values.
func pump[T any](ctx context.Context, in <-chan T, payload func(T) string, repo *Repository, log *zap.Logger) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case v, ok := <-in:
			if !ok {
				return n, ErrSourceClosed
			}
			if ingest(repo, log, payload(v)) {
				n++
			}
		}
	}
}
