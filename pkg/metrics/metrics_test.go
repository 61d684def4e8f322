package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCreation(t *testing.T) {
	m := New()
	m.Admissions.WithLabelValues("ok").Inc()
	m.PeersConnected.Set(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Admissions.WithLabelValues("ok")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.PeersConnected))

	// a second set must not collide
	other := New()
	assert.Equal(t, float64(0), testutil.ToFloat64(other.PeersConnected))
}

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "error", Result(errors.New("x")))
	assert.NotNil(t, OrNew(nil))
}
