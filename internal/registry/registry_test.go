// ABOUTME: Tests for registry registration semantics and healthy-set queries
// ABOUTME: Validates idempotent register/deregister and ListHealthy filtering

package registry

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New(slog.Default())

	r.Register(Endpoint{Name: "browser", Address: "http://localhost:8001"})

	ep, ok := r.Get("browser")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8001", ep.Address)

	rec, ok := r.Health("browser")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, rec.Status)
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New(slog.Default())

	r.Register(Endpoint{Name: "system", Address: "http://localhost:8002"})
	r.setHealth(HealthRecord{Service: "system", Status: StatusHealthy, LastChecked: time.Now()})

	// Same address: health survives.
	r.Register(Endpoint{Name: "system", Address: "http://localhost:8002"})
	rec, _ := r.Health("system")
	assert.Equal(t, StatusHealthy, rec.Status)

	// New address: health resets to unknown.
	r.Register(Endpoint{Name: "system", Address: "http://localhost:9002"})
	rec, _ = r.Health("system")
	assert.Equal(t, StatusUnknown, rec.Status)
	ep, _ := r.Get("system")
	assert.Equal(t, "http://localhost:9002", ep.Address)
}

func TestDeregisterUnknownIsNoOp(t *testing.T) {
	r := New(slog.Default())
	r.Deregister("ghost") // must not panic or error
	assert.Empty(t, r.Names())
}

func TestListHealthyReturnsOnlyHealthy(t *testing.T) {
	r := New(slog.Default())
	r.Register(Endpoint{Name: "a", Address: "http://a"})
	r.Register(Endpoint{Name: "b", Address: "http://b"})
	r.Register(Endpoint{Name: "c", Address: "http://c"})

	r.setHealth(HealthRecord{Service: "a", Status: StatusHealthy})
	r.setHealth(HealthRecord{Service: "b", Status: StatusUnreachable})
	r.setHealth(HealthRecord{Service: "c", Status: StatusHealthy})

	healthy := r.ListHealthy()
	require.Len(t, healthy, 2)
	assert.Equal(t, "a", healthy[0].Name)
	assert.Equal(t, "c", healthy[1].Name)

	// A deregistered service drops out of the healthy set.
	r.Deregister("a")
	healthy = r.ListHealthy()
	require.Len(t, healthy, 1)
	assert.Equal(t, "c", healthy[0].Name)
}

func TestSetHealthReportsTransitions(t *testing.T) {
	r := New(slog.Default())
	r.Register(Endpoint{Name: "a", Address: "http://a"})

	assert.True(t, r.setHealth(HealthRecord{Service: "a", Status: StatusHealthy}))
	assert.False(t, r.setHealth(HealthRecord{Service: "a", Status: StatusHealthy}))
	assert.True(t, r.setHealth(HealthRecord{Service: "a", Status: StatusDegraded}))
}

func TestSetHealthDiscardsDeregistered(t *testing.T) {
	r := New(slog.Default())
	r.Register(Endpoint{Name: "a", Address: "http://a"})
	r.Deregister("a")

	assert.False(t, r.setHealth(HealthRecord{Service: "a", Status: StatusHealthy}))
	_, ok := r.Health("a")
	assert.False(t, ok)
}

func TestListIsSorted(t *testing.T) {
	r := New(slog.Default())
	r.Register(Endpoint{Name: "zeta", Address: "http://z"})
	r.Register(Endpoint{Name: "alpha", Address: "http://a"})

	recs := r.List()
	require.Len(t, recs, 2)
	assert.Equal(t, "alpha", recs[0].Service)
	assert.Equal(t, "zeta", recs[1].Service)
}
