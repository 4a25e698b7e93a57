package mergequeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthcheckBecomesUnhealthyWhenStatusDoesNotChange(t *testing.T) {
	changes := make(chan HealthStatus, 10)
	hc := newHealthcheck(20*time.Millisecond, func(status HealthStatus) {
		changes <- status
	})
	t.Cleanup(hc.stop)

	hc.update(StatusStarting)
	assert.True(t, hc.Status().OK)

	hc.update(StatusIntegrating)
	assert.True(t, hc.Status().OK)

	select {
	case status := <-changes:
		assert.Equal(t, HealthStatus{Reason: ReasonPotentialDeadlock}, status)
	case <-time.After(condWaitTimeout):
		t.Fatal("healthcheck did not become unhealthy")
	}

	assert.Equal(t, "unhealthy(potential_deadlock)", hc.Status().String())

	hc.update(StatusIdle)
	require.True(t, hc.Status().OK)

	select {
	case status := <-changes:
		assert.True(t, status.OK)
	default:
		t.Fatal("healthy status was not reported")
	}
}

func TestHealthcheckStatusChangeCancelsPendingTransition(t *testing.T) {
	changes := make(chan HealthStatus, 10)
	hc := newHealthcheck(20*time.Millisecond, func(status HealthStatus) {
		changes <- status
	})
	t.Cleanup(hc.stop)

	hc.update(StatusRunningStatusChecks)
	hc.update(StatusIdle)

	time.Sleep(50 * time.Millisecond)

	assert.True(t, hc.Status().OK)
	assert.Empty(t, changes)
}

func TestStoppedHealthcheckIgnoresUpdates(t *testing.T) {
	changes := make(chan HealthStatus, 10)
	hc := newHealthcheck(10*time.Millisecond, func(status HealthStatus) {
		changes <- status
	})

	hc.update(StatusIntegrationFailed)
	hc.stop()
	hc.update(StatusReady)

	time.Sleep(50 * time.Millisecond)

	assert.True(t, hc.Status().OK)
	assert.Empty(t, changes)
}
