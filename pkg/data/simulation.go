package data

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var DefaultSeed = []string{"1", "2", "3", "4"}

const (
	DefaultInterval = time.Second
	DefaultCeiling  = 5000
)

type SimulationConfig struct {
	Seed     []string
	Interval time.Duration
	Ceiling  int
}

// Simulation seeds the repository and then appends the next integer at a fixed
// interval. Once the ceiling has been appended it starts over from the seed.
type Simulation struct {
	stopper
	cfg  SimulationConfig
	repo *Repository
	log  *zap.Logger
}

func NewSimulation(cfg SimulationConfig, repo *Repository, log *zap.Logger) *Simulation {
	if len(cfg.Seed) == 0 {
		cfg.Seed = DefaultSeed
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	return &Simulation{cfg: cfg, repo: repo, log: log.Named("simulation")}
}

func (s *Simulation) Name() string { return string(KindSimulation) }

// first is the value following the seed.
func (s *Simulation) first() int {
	last, err := strconv.Atoi(s.cfg.Seed[len(s.cfg.Seed)-1])
	if err != nil {
		return 1
	}
	return last + 1
}

func (s *Simulation) Start(ctx context.Context) error {
	ctx, cancel := s.run(ctx)
	defer cancel()

	s.log.Info("Starting simulation", zap.Strings("seed", s.cfg.Seed), zap.Duration("interval", s.cfg.Interval), zap.Int("ceiling", s.cfg.Ceiling))
	s.repo.SetElements(s.cfg.Seed)
	next := s.first()

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Simulation stopped")
			return nil
		case <-timer.C:
		}

		s.repo.Add(strconv.Itoa(next))
		if next < s.cfg.Ceiling {
			next++
		} else {
			s.log.Info("Simulation completed, restarting")
			s.repo.SetElements(s.cfg.Seed)
			next = s.first()
		}
		timer.Reset(s.cfg.Interval)
	}
}
