package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitorDue(t *testing.T) {
	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)

	t.Run("never checked is always due", func(t *testing.T) {
		m := Monitor{IntervalMinutes: 30}
		assert.True(t, m.Due(now))
	})

	t.Run("inside interval is not due", func(t *testing.T) {
		checked := now.Add(-10 * time.Minute)
		m := Monitor{IntervalMinutes: 15, LastChecked: &checked}
		assert.False(t, m.Due(now))
	})

	t.Run("interval elapsed is due", func(t *testing.T) {
		checked := now.Add(-16 * time.Minute)
		m := Monitor{IntervalMinutes: 15, LastChecked: &checked}
		assert.True(t, m.Due(now))
	})

	t.Run("exact boundary is due", func(t *testing.T) {
		checked := now.Add(-15 * time.Minute)
		m := Monitor{IntervalMinutes: 15, LastChecked: &checked}
		assert.True(t, m.Due(now))
	})
}
