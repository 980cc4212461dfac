package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

type stubHealthRepository struct {
	reports []domain.SystemHealthReport
	err     error
	calls   int
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	if s.err != nil {
		return domain.SystemHealthReport{}, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.reports) {
		idx = len(s.reports) - 1
	}
	return s.reports[idx], nil
}

type recordedLog struct {
	event  string
	fields map[string]any
}

func TestSystemServiceStampsBuildMetadata(t *testing.T) {
	start := time.Date(2025, 5, 6, 8, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Minute)
	repo := &stubHealthRepository{reports: []domain.SystemHealthReport{{
		Checks: map[string]domain.SystemHealthCheck{"postgres": {Status: domain.HealthStatusOK}},
	}}}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build:            BuildInfo{Version: "2025.05.1", CommitSHA: "9f2c1e0", Environment: "staging", StartedAt: start},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if report.Version != "2025.05.1" || report.CommitSHA != "9f2c1e0" || report.Environment != "staging" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 90*time.Minute {
		t.Fatalf("expected uptime 90m, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestSystemServiceWrapsCollectErrors(t *testing.T) {
	expected := errors.New("probe panic")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: expected}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewSystemServiceRequiresRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error when repository missing")
	}
}

func TestSystemServiceDerivesWorstStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]domain.SystemHealthCheck
		want   string
	}{
		{name: "no checks", want: domain.HealthStatusOK},
		{
			name: "optional cache down",
			checks: map[string]domain.SystemHealthCheck{
				"redis":    {Status: domain.HealthStatusDegraded},
				"postgres": {Status: domain.HealthStatusOK},
			},
			want: domain.HealthStatusDegraded,
		},
		{
			name: "store down",
			checks: map[string]domain.SystemHealthCheck{
				"redis":     {Status: domain.HealthStatusDegraded},
				"firestore": {Status: domain.HealthStatusError},
			},
			want: domain.HealthStatusError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubHealthRepository{reports: []domain.SystemHealthReport{{Checks: tc.checks}}}
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, report.Status)
			}
			if report.Checks == nil {
				t.Fatalf("expected non-nil checks map")
			}
		})
	}
}

func TestSystemServiceLogsStatusTransitionsOnce(t *testing.T) {
	degraded := domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{
		"redis":    {Status: domain.HealthStatusDegraded},
		"postgres": {Status: domain.HealthStatusOK},
	}}
	healthy := domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{
		"redis":    {Status: domain.HealthStatusOK},
		"postgres": {Status: domain.HealthStatusOK},
	}}
	repo := &stubHealthRepository{reports: []domain.SystemHealthReport{healthy, degraded, degraded, healthy}}

	var logs []recordedLog
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			logs = append(logs, recordedLog{event: event, fields: fields})
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := svc.HealthReport(context.Background()); err != nil {
			t.Fatalf("HealthReport: %v", err)
		}
	}

	if len(logs) != 2 {
		t.Fatalf("expected two transitions, got %+v", logs)
	}
	if logs[0].fields["to"] != domain.HealthStatusDegraded {
		t.Fatalf("expected transition to degraded, got %+v", logs[0].fields)
	}
	failing, _ := logs[0].fields["failing"].([]string)
	if len(failing) != 1 || failing[0] != "redis" {
		t.Fatalf("expected redis failing, got %v", logs[0].fields["failing"])
	}
	if logs[1].fields["from"] != domain.HealthStatusDegraded || logs[1].fields["to"] != domain.HealthStatusOK {
		t.Fatalf("expected recovery transition, got %+v", logs[1].fields)
	}
}

var _ repositories.HealthRepository = (*stubHealthRepository)(nil)
