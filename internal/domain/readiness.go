package domain

import "time"

// Readiness status values, from best to worst.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// DependencyStatus is the latest probe result for one dependency.
type DependencyStatus struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// ReadinessReport is what /readyz renders. Status is error only when a
// critical dependency (Firestore) is down; partner outages degrade it.
type ReadinessReport struct {
	Status      string
	Checks      map[string]DependencyStatus
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
