package diag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	status Status
	detail string
}

func (f fakeReporter) ReportHealth(context.Context) ComponentHealth {
	return ComponentHealth{Status: f.status, Detail: f.detail, CheckedAt: time.Now()}
}

func TestCheckReturnsHealthyWithNoReporters(t *testing.T) {
	agg := NewAggregator()

	report := agg.Check(context.Background())
	require.Equal(t, StatusHealthy, report.Overall)
	require.Empty(t, report.Components)
}

func TestCheckOverallIsWorstOfComponents(t *testing.T) {
	agg := NewAggregator()
	agg.Register("membership", fakeReporter{status: StatusHealthy})
	agg.Register("migration", fakeReporter{status: StatusDegraded})
	agg.Register("transport", fakeReporter{status: StatusUnhealthy, detail: "no peers reachable"})

	report := agg.Check(context.Background())
	require.Equal(t, StatusUnhealthy, report.Overall)
	require.Len(t, report.Components, 3)
}

func TestUnregisterRemovesComponentFromReport(t *testing.T) {
	agg := NewAggregator()
	agg.Register("membership", fakeReporter{status: StatusUnhealthy})
	agg.Unregister("membership")

	report := agg.Check(context.Background())
	require.Equal(t, StatusHealthy, report.Overall)
	require.Empty(t, report.Components)
}

func TestRegisterReplacesExistingReporterForSameComponent(t *testing.T) {
	agg := NewAggregator()
	agg.Register("membership", fakeReporter{status: StatusUnhealthy})
	agg.Register("membership", fakeReporter{status: StatusHealthy})

	report := agg.Check(context.Background())
	require.Equal(t, StatusHealthy, report.Overall)
	require.Len(t, report.Components, 1)
}

func TestStatusStringValues(t *testing.T) {
	require.Equal(t, "healthy", StatusHealthy.String())
	require.Equal(t, "degraded", StatusDegraded.String())
	require.Equal(t, "unhealthy", StatusUnhealthy.String())
}
