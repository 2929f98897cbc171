package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/relaymesh/core"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register(core.NewParticipant("w1", core.KindWorker, "compute"))

	p := r.Get("w1")
	assert.NotNil(t, p)
	assert.Equal(t, core.KindWorker, p.Kind)
	assert.Nil(t, r.Get("missing"))
}

func TestGetReturnsClone(t *testing.T) {
	r := New()
	r.Register(core.NewParticipant("w1", core.KindWorker, "compute"))

	p := r.Get("w1")
	p.Capabilities[0] = "mutated"
	p.Status = core.StatusError

	fresh := r.Get("w1")
	assert.Equal(t, "compute", fresh.Capabilities[0])
	assert.Equal(t, core.StatusActive, fresh.Status)
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	r.Register(core.NewParticipant("w1", core.KindWorker))

	assert.True(t, r.Unregister("w1"))
	assert.False(t, r.Unregister("w1"), "second unregister returns false")
	assert.False(t, r.Unregister("never-existed"))
}

func TestListByKind(t *testing.T) {
	r := New()
	r.Register(core.NewParticipant("w1", core.KindWorker))
	r.Register(core.NewParticipant("w2", core.KindWorker))
	r.Register(core.NewParticipant("o1", core.KindOrchestrator))

	assert.Len(t, r.ListByKind(core.KindWorker), 2)
	assert.Len(t, r.ListByKind(core.KindOrchestrator), 1)
	assert.Empty(t, r.ListByKind(core.KindCoordinator))
	assert.Len(t, r.List(), 3)
}

func TestUpdateStatusRefreshesLiveness(t *testing.T) {
	r := New()
	p := core.NewParticipant("w1", core.KindWorker)
	p.LastSeen = time.Now().Add(-time.Hour)
	r.Register(p)

	assert.True(t, r.UpdateStatus("w1", core.StatusBusy))
	updated := r.Get("w1")
	assert.Equal(t, core.StatusBusy, updated.Status)
	assert.WithinDuration(t, time.Now(), updated.LastSeen, time.Minute)

	assert.False(t, r.UpdateStatus("missing", core.StatusBusy))
}

func TestUpdateLoadClamps(t *testing.T) {
	r := New()
	r.Register(core.NewParticipant("w1", core.KindWorker))

	assert.True(t, r.UpdateLoad("w1", 7.3))
	assert.Equal(t, 1.0, r.Get("w1").LoadFactor)

	assert.True(t, r.UpdateLoad("w1", -2))
	assert.Equal(t, 0.0, r.Get("w1").LoadFactor)

	assert.True(t, r.UpdateLoad("w1", 0.4))
	assert.Equal(t, 0.4, r.Get("w1").LoadFactor)

	assert.False(t, r.UpdateLoad("missing", 0.5))
}

func TestFindByCapabilityFiltersAvailability(t *testing.T) {
	r := New()
	r.Register(core.NewParticipant("w1", core.KindWorker, "compute"))

	busy := core.NewParticipant("w2", core.KindWorker, "compute")
	busy.Status = core.StatusBusy
	r.Register(busy)

	down := core.NewParticipant("w3", core.KindWorker, "compute")
	down.Status = core.StatusUnreachable
	r.Register(down)

	r.Register(core.NewParticipant("w4", core.KindWorker, "storage"))

	found := r.FindByCapability("compute")
	assert.Len(t, found, 2)
	for _, p := range found {
		assert.True(t, p.Available())
		assert.True(t, p.HasCapability("compute"))
	}
}

func TestCountByStatus(t *testing.T) {
	r := New()
	r.Register(core.NewParticipant("w1", core.KindWorker))
	r.Register(core.NewParticipant("w2", core.KindWorker))
	r.UpdateStatus("w2", core.StatusError)

	counts := r.CountByStatus()
	assert.Equal(t, 1, counts[core.StatusActive])
	assert.Equal(t, 1, counts[core.StatusError])
	assert.Equal(t, 2, r.Count())
}
