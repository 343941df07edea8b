package grants

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically publishes grant lifecycle gauges. It never mutates
// grant rows; expiry is evaluated at read time by LookupActive, the sweeper
// only keeps the operational picture current.
type Sweeper struct {
	store    *Store
	cron     *cron.Cron
	interval string

	active  prometheus.Gauge
	expired prometheus.Gauge
	revoked prometheus.Gauge

	onError func(error)
}

// NewSweeper creates a sweeper running on the given cron schedule
// (e.g. "@every 1m") and registers its gauges with the registry.
func NewSweeper(store *Store, schedule string, registry prometheus.Registerer, onError func(error)) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if onError == nil {
		onError = func(error) {}
	}

	s := &Sweeper{
		store:    store,
		cron:     cron.New(),
		interval: schedule,
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labd_grants_active",
			Help: "Number of currently active access grants",
		}),
		expired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labd_grants_expired",
			Help: "Number of unrevoked access grants past their expiry",
		}),
		revoked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labd_grants_revoked",
			Help: "Number of revoked access grants",
		}),
		onError: onError,
	}

	if registry != nil {
		registry.MustRegister(s.active, s.expired, s.revoked)
	}
	return s
}

// Start schedules the sweep and runs one immediately
func (s *Sweeper) Start(ctx context.Context) error {
	s.Sweep(ctx)
	_, err := s.cron.AddFunc(s.interval, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Sweep(sweepCtx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep refreshes the gauges once
func (s *Sweeper) Sweep(ctx context.Context) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		s.onError(err)
		return
	}
	s.active.Set(float64(counts.Active))
	s.expired.Set(float64(counts.Expired))
	s.revoked.Set(float64(counts.Revoked))
}
