package progress

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestReporter(t *testing.T) {
	var events []Event
	guid := uuid.New()
	r := NewReporter(func(e Event) { events = append(events, e) }, guid, "Test Fix")

	r.Report(PhaseInstalling, 1, 4, "a.dll")
	r.Report(PhaseDone, 0, 0, "")

	assert.Len(t, events, 2)
	assert.Equal(t, guid, events[0].FixGuid)
	assert.Equal(t, "Test Fix", events[0].FixName)
	assert.InDelta(t, 25.0, events[0].Percent, 0.001)
	assert.Zero(t, events[1].Percent)

	other := uuid.New()
	r.For(other, "Shared").Report(PhaseInstalling, 1, 1, "")
	assert.Equal(t, other, events[2].FixGuid)
}

func TestNilReporterDropsEvents(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() { r.Report(PhaseDone, 1, 1, "") })
	assert.Nil(t, r.For(uuid.New(), "x"))
	assert.NotPanics(t, func() { NewReporter(nil, uuid.Nil, "").Report(PhaseDone, 0, 0, "") })
}
