package services

import (
	"cmp"
	"context"
	"errors"
	"time"

	domain "github.com/printcraft/api/internal/domain"
	"github.com/printcraft/api/internal/repositories"
)

// BuildInfo is the release metadata stamped onto probe responses.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// ReadinessServiceDeps bundles the readiness service collaborators.
type ReadinessServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type readinessService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
}

var _ ReadinessService = (*readinessService)(nil)

// NewReadinessService wraps the dependency probes with build metadata and uptime.
func NewReadinessService(deps ReadinessServiceDeps) (ReadinessService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("readiness service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now()
	}
	return &readinessService{probes: deps.HealthRepository, now: now, build: build}, nil
}

func (s *readinessService) Readiness(ctx context.Context) (ReadinessReport, error) {
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return ReadinessReport{}, err
	}

	now := s.now().UTC()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = cmp.Or(report.Version, s.build.Version)
	report.CommitSHA = cmp.Or(report.CommitSHA, s.build.CommitSHA)
	report.Environment = cmp.Or(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.DependencyStatus{}
	}
	if report.Status == "" {
		report.Status = worstStatus(report.Checks)
	}
	return report, nil
}

// worstStatus folds individual probe results when the repository left the
// aggregate blank.
func worstStatus(checks map[string]domain.DependencyStatus) string {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			worst = domain.HealthStatusDegraded
		}
	}
	return worst
}
