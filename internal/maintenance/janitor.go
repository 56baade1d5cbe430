// Package maintenance schedules background janitor jobs: dead-letter
// retention, expired correlation-record sweeps, and storage pruning.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/correlate"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

const (
	DefaultDeadLetterSpec   = "@every 1h"
	DefaultDeadLetterMaxAge = 24 * time.Hour
	DefaultRecordSweepSpec  = "@every 10m"
	DefaultStoragePruneSpec = "@every 30m"
)

type Config struct {
	Timezone         string
	DeadLetterSpec   string
	DeadLetterMaxAge time.Duration
	RecordSweepSpec  string
	StoragePruneSpec string
}

func (c Config) withDefaults() Config {
	if c.DeadLetterSpec == "" {
		c.DeadLetterSpec = DefaultDeadLetterSpec
	}
	if c.DeadLetterMaxAge <= 0 {
		c.DeadLetterMaxAge = DefaultDeadLetterMaxAge
	}
	if c.RecordSweepSpec == "" {
		c.RecordSweepSpec = DefaultRecordSweepSpec
	}
	if c.StoragePruneSpec == "" {
		c.StoragePruneSpec = DefaultStoragePruneSpec
	}
	return c
}

type Janitor struct {
	cfg  Config
	cron *cron.Cron
	log  logx.Logger

	store      storage.Store
	correlator *correlate.Correlator
}

func New(cfg Config, store storage.Store, correlator *correlate.Correlator, log logx.Logger) (*Janitor, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, err
		}
	}

	j := &Janitor{
		cfg:        cfg,
		cron:       cron.New(cron.WithLocation(loc)),
		log:        log,
		store:      store,
		correlator: correlator,
	}

	if j.store != nil {
		if _, err := j.cron.AddFunc(cfg.DeadLetterSpec, j.pruneDeadLetters); err != nil {
			return nil, err
		}
		if _, err := j.cron.AddFunc(cfg.StoragePruneSpec, j.pruneStorage); err != nil {
			return nil, err
		}
	}
	if j.correlator != nil {
		if _, err := j.cron.AddFunc(cfg.RecordSweepSpec, j.correlator.Sweep); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info("maintenance janitor started",
		logx.String("dead_letter_spec", j.cfg.DeadLetterSpec),
		logx.String("storage_prune_spec", j.cfg.StoragePruneSpec))
}

// Stop waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) pruneDeadLetters() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().Add(-j.cfg.DeadLetterMaxAge)
	n, err := j.store.PruneDeadLetters(ctx, cutoff)
	if err != nil {
		j.log.Warn("dead letter prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		j.log.Info("dead letters pruned", logx.Int("count", n))
	}
}

func (j *Janitor) pruneStorage() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := j.store.PruneDedup(ctx); err != nil {
		j.log.Warn("dedup prune failed", logx.Err(err))
	}
}
