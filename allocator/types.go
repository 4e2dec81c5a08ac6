package allocator

import (
	"time"

	"fleet-registry/config"
)

// Settings are the thresholds and schedules the controller runs with.
type Settings struct {
	StaleThreshold    time.Duration
	DeadThreshold     time.Duration
	DeadRetention     time.Duration
	InFlightTimeout   time.Duration
	MaxRouteAttempts  int
	PartyDeadline     time.Duration
	ProvisionCooldown time.Duration

	DispatchInterval      time.Duration
	LivenessInterval      time.Duration
	PruneInterval         time.Duration
	InFlightSweepInterval time.Duration
	PartySweepInterval    time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		StaleThreshold:        cfg.StaleThreshold,
		DeadThreshold:         cfg.DeadThreshold,
		DeadRetention:         cfg.DeadRetention,
		InFlightTimeout:       cfg.InFlightTimeout,
		MaxRouteAttempts:      cfg.MaxRouteAttempts,
		PartyDeadline:         cfg.PartyDeadline,
		ProvisionCooldown:     cfg.ProvisionCooldown,
		DispatchInterval:      cfg.DispatchInterval,
		LivenessInterval:      cfg.LivenessInterval,
		PruneInterval:         cfg.PruneInterval,
		InFlightSweepInterval: cfg.InFlightSweepInterval,
		PartySweepInterval:    cfg.PartySweepInterval,
	}
}

// DispatchResult summarizes one pass over the family queues.
type DispatchResult struct {
	Assigned int
	// Waiting counts families whose head found no capacity.
	Waiting    int
	Duplicates int
}

// Failure reasons published in routing-failure events.
const (
	ReasonNoCapacity        = "no-capacity"
	ReasonAttemptsExhausted = "max-attempts-exceeded"
	ReasonPartyExpired      = "party-join-deadline-exceeded"
	ReasonTargetUnavailable = "target-server-unavailable"
)
