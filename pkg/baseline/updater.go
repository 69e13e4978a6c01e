package baseline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// UpdaterConfig configures the asynchronous baseline updater.
type UpdaterConfig struct {
	// Workers is the number of update goroutines. A principal always maps
	// to the same worker.
	Workers int `json:"workers"`
	// QueueSize is the buffered capacity per worker.
	QueueSize int `json:"queue_size"`
	// Decay is applied to the histograms on every observation.
	Decay float64 `json:"decay"`
	// WriteTimeout bounds one read-modify-write against the store.
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultUpdaterConfig returns a production-ready configuration.
func DefaultUpdaterConfig() *UpdaterConfig {
	return &UpdaterConfig{
		Workers:      8,
		QueueSize:    256,
		Decay:        DefaultDecay,
		WriteTimeout: 2 * time.Second,
	}
}

// Updater applies observations to a Store off the evaluation path.
type Updater struct {
	store   Store
	config  *UpdaterConfig
	logger  *slog.Logger
	queues  []chan Observation
	wg      sync.WaitGroup
	closed  atomic.Bool
	once    sync.Once
	dropped atomic.Int64
	applied atomic.Int64
}

// NewUpdater starts the worker goroutines. Call Close to drain them.
func NewUpdater(store Store, config *UpdaterConfig, logger *slog.Logger) *Updater {
	if config == nil {
		config = DefaultUpdaterConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := &Updater{
		store:  store,
		config: config,
		logger: logger.With("component", "baseline_updater"),
		queues: make([]chan Observation, config.Workers),
	}
	for i := range u.queues {
		u.queues[i] = make(chan Observation, config.QueueSize)
		u.wg.Add(1)
		go u.run(u.queues[i])
	}
	return u
}

// Submit enqueues obs without blocking. It returns false when the worker
// queue is full or the updater is closed; the observation is then dropped.
func (u *Updater) Submit(obs Observation) (ok bool) {
	if u.closed.Load() {
		u.dropped.Add(1)
		return false
	}
	defer func() {
		// Close may race with Submit; a send on a closed queue is a drop.
		if recover() != nil {
			u.dropped.Add(1)
			ok = false
		}
	}()
	select {
	case u.queues[shardIndex(obs.PrincipalID, len(u.queues))] <- obs:
		return true
	default:
		u.dropped.Add(1)
		return false
	}
}

// Stats returns the number of applied and dropped observations.
func (u *Updater) Stats() (applied, dropped int64) {
	return u.applied.Load(), u.dropped.Load()
}

// Close stops accepting observations and waits for queued ones to be
// applied or for ctx to end.
func (u *Updater) Close(ctx context.Context) error {
	u.once.Do(func() {
		u.closed.Store(true)
		for _, q := range u.queues {
			close(q)
		}
	})
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) run(queue <-chan Observation) {
	defer u.wg.Done()
	for obs := range queue {
		if err := u.apply(obs); err != nil {
			u.logger.Error("baseline update failed", "principal", obs.PrincipalID, "error", err)
			continue
		}
		u.applied.Add(1)
	}
}

func (u *Updater) apply(obs Observation) error {
	ctx, cancel := context.WithTimeout(context.Background(), u.config.WriteTimeout)
	defer cancel()

	b, err := u.store.Get(ctx, obs.PrincipalID)
	if errors.Is(err, ErrNotFound) {
		b = New(obs.PrincipalID)
	} else if err != nil {
		return err
	}
	b.Apply(obs, u.config.Decay)
	return u.store.Put(ctx, b)
}
