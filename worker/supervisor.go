package worker

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"

	"hangar51.dev/h51/task"
)

// SupervisorConfig tunes the worker population.
type SupervisorConfig struct {
	// MinWorkers are kept running at all times; MaxWorkers caps the
	// population including spawned extras.
	MinWorkers int
	MaxWorkers int

	// SpawnDepth is the queue depth that justifies one extra worker beyond
	// the minimum.
	SpawnDepth int

	// CheckInterval is how often the supervisor looks at the queue.
	CheckInterval time.Duration

	// ExtraIdleLifespan is the idle lifespan given to spawned extras so the
	// population shrinks back once the backlog clears.
	ExtraIdleLifespan time.Duration
}

// Supervisor keeps a worker population sized to the queue depth. The base
// population is restarted when workers exit; extras are spawned while the
// backlog is deep and retire themselves by idle lifespan.
type Supervisor struct {
	cfg     SupervisorConfig
	queue   *task.Queue
	factory func(extra bool) *Worker

	mu   sync.Mutex
	live int
}

// NewSupervisor returns a supervisor using factory to build workers. The
// extra flag tells the factory to apply the retiring idle lifespan.
func NewSupervisor(cfg SupervisorConfig, queue *task.Queue, factory func(extra bool) *Worker) *Supervisor {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.SpawnDepth <= 0 {
		cfg.SpawnDepth = 5
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.ExtraIdleLifespan <= 0 {
		cfg.ExtraIdleLifespan = time.Minute
	}
	return &Supervisor{cfg: cfg, queue: queue, factory: factory}
}

// Live returns the current population size.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Run manages the population until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.MinWorkers; i++ {
		s.spawn(ctx, &wg, false, true)
	}

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.scale(ctx, &wg)
		}
	}
}

// scale spawns extras while the backlog warrants them.
func (s *Supervisor) scale(ctx context.Context, wg *sync.WaitGroup) {
	snap, err := s.queue.Stats(ctx, time.Now())
	if err != nil {
		log.Errorf(ctx, err, "read queue stats")
		return
	}

	s.mu.Lock()
	live := s.live
	s.mu.Unlock()

	wanted := s.cfg.MinWorkers + snap.Total/s.cfg.SpawnDepth
	if wanted > s.cfg.MaxWorkers {
		wanted = s.cfg.MaxWorkers
	}
	for ; live < wanted; live++ {
		log.Info(ctx, log.KV{K: "msg", V: "spawning extra worker"},
			log.KV{K: "queue_depth", V: snap.Total})
		s.spawn(ctx, wg, true, false)
	}
}

// spawn starts one worker goroutine. Base workers are restarted when they
// exit while the supervisor still runs; extras are not.
func (s *Supervisor) spawn(ctx context.Context, wg *sync.WaitGroup, extra, restart bool) {
	s.mu.Lock()
	s.live++
	s.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			err := s.factory(extra).Run(ctx)

			s.mu.Lock()
			s.live--
			s.mu.Unlock()

			if ctx.Err() != nil || !restart {
				return
			}
			log.Errorf(ctx, err, "worker exited, restarting")

			s.mu.Lock()
			s.live++
			s.mu.Unlock()
		}
	}()
}
