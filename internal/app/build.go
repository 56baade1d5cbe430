package app

import (
	"courier/internal/config"
	"courier/internal/connquality"
	"courier/internal/correlate"
	"courier/internal/dedup"
	"courier/internal/maintenance"
	"courier/internal/push"
	"courier/internal/queue"
	"courier/internal/registry"
	"courier/internal/transport"
)

// Builders translating the string-duration config schema into each
// component's typed config. Zero values fall through to the component
// defaults.

// ValidateConfig is the config manager's validation hook: a reload that does
// not build is rejected before it reaches subscribers.
func ValidateConfig(cfg *config.Config) error {
	if _, err := buildDedupConfig(cfg.Dedup); err != nil {
		return err
	}
	if _, err := buildConnectionConfig(cfg.Connection); err != nil {
		return err
	}
	if _, err := buildRegistryConfig(cfg.Registry); err != nil {
		return err
	}
	if _, err := buildQueueConfig(cfg.Queue); err != nil {
		return err
	}
	if _, err := buildCorrelatorConfig(cfg.Correlator); err != nil {
		return err
	}
	if cfg.Push != nil {
		if _, err := buildPushConfig(*cfg.Push); err != nil {
			return err
		}
	}
	if _, err := buildTransportConfig(cfg.Transport); err != nil {
		return err
	}
	if cfg.Maintenance.Enabled {
		if _, err := buildMaintenanceConfig(cfg.Maintenance); err != nil {
			return err
		}
	}
	return nil
}

func buildDedupConfig(c config.DedupConfig) (dedup.Config, error) {
	window, err := config.ParseDurationField("dedup.window", c.Window)
	if err != nil {
		return dedup.Config{}, err
	}
	ttl, err := config.ParseDurationField("dedup.ttl", c.TTL)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{
		Window:     window,
		TTL:        ttl,
		MaxEntries: c.MaxEntries,
	}, nil
}

func buildConnectionConfig(c config.ConnectionConfig) (connquality.Config, error) {
	base, err := config.ParseDurationField("connection.reconnect_base", c.ReconnectBase)
	if err != nil {
		return connquality.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("connection.reconnect_max_delay", c.ReconnectMaxDelay)
	if err != nil {
		return connquality.Config{}, err
	}
	return connquality.Config{
		WindowSize:        c.WindowSize,
		ReconnectBase:     base,
		ReconnectMaxDelay: maxDelay,
		HistorySize:       c.HistorySize,
	}, nil
}

func buildRegistryConfig(c config.RegistryConfig) (registry.Config, error) {
	heartbeat, err := config.ParseDurationField("registry.heartbeat_timeout", c.HeartbeatTimeout)
	if err != nil {
		return registry.Config{}, err
	}
	absence, err := config.ParseDurationField("registry.absence_timeout", c.AbsenceTimeout)
	if err != nil {
		return registry.Config{}, err
	}
	sweep, err := config.ParseDurationField("registry.sweep_interval", c.SweepInterval)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		HeartbeatTimeout: heartbeat,
		AbsenceTimeout:   absence,
		SweepInterval:    sweep,
	}, nil
}

func buildQueueConfig(c config.QueueConfig) (queue.Config, error) {
	base, err := config.ParseDurationField("queue.retry_base", c.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("queue.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Capacity:      c.Capacity,
		RetryMax:      c.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   c.RetryJitter,
		StatsWindow:   c.StatsWindow,
		DeadLetterMax: c.DeadLetterMax,
	}, nil
}

func buildCorrelatorConfig(c config.CorrelatorConfig) (correlate.Config, error) {
	stall, err := config.ParseDurationField("correlator.stall_after", c.StallAfter)
	if err != nil {
		return correlate.Config{}, err
	}
	sweep, err := config.ParseDurationField("correlator.sweep_interval", c.SweepInterval)
	if err != nil {
		return correlate.Config{}, err
	}
	ttl, err := config.ParseDurationField("correlator.record_ttl", c.RecordTTL)
	if err != nil {
		return correlate.Config{}, err
	}
	return correlate.Config{
		StallAfter:    stall,
		SweepInterval: sweep,
		RecordTTL:     ttl,
	}, nil
}

func buildPushConfig(c config.PushConfig) (push.Config, error) {
	base, err := config.ParseDurationField("push.retry_base", c.RetryBase)
	if err != nil {
		return push.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("push.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return push.Config{}, err
	}
	return push.Config{
		BaseURL:       c.BaseURL,
		Token:         c.Token,
		RatePerSec:    c.RatePerSec,
		RetryMax:      c.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func buildTransportConfig(c config.TransportConfig) (transport.Config, error) {
	dial, err := config.ParseDurationField("transport.dial_timeout", c.DialTimeout)
	if err != nil {
		return transport.Config{}, err
	}
	write, err := config.ParseDurationField("transport.write_timeout", c.WriteTimeout)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		URL:          c.URL,
		DialTimeout:  dial,
		WriteTimeout: write,
	}, nil
}

func buildMaintenanceConfig(c config.MaintenanceConfig) (maintenance.Config, error) {
	maxAge, err := config.ParseDurationField("maintenance.dead_letter_max_age", c.DeadLetterMaxAge)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Timezone:         c.Timezone,
		DeadLetterSpec:   c.DeadLetterSpec,
		DeadLetterMaxAge: maxAge,
		RecordSweepSpec:  c.RecordSweepSpec,
		StoragePruneSpec: c.StoragePruneSpec,
	}, nil
}
