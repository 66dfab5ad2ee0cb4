package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rollcall-app/rollcall/attend"
)

func TestRosterComplement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		total   int
		present []string
		want    []string
	}{
		{"all present", 3, []string{"01", "02", "03"}, []string{}},
		{"all absent", 3, nil, []string{"01", "02", "03"}},
		{"mixed", 5, []string{"02", "04"}, []string{"01", "03", "05"}},
		{"off-roster entry ignored", 2, []string{"01", "99"}, []string{"02"}},
		{"more present than roster", 3, []string{"01", "02", "03", "98", "99"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, rosterComplement(tt.total, tt.present))
		})
	}
}

func TestReconcile_EmailMode(t *testing.T) {
	t.Parallel()

	s := &attend.Session{
		ID:            "s1",
		Mode:          attend.ModeEmail,
		TotalStudents: 3,
	}
	rec := reconcile(s, []string{"b@x.edu", "a@x.edu"}, false, nil, time.Now())
	assert.Equal(t, []string{"a@x.edu", "b@x.edu"}, rec.Present, "presence is sorted")
	assert.Nil(t, rec.Absent, "no roster complement in email mode")
}

func TestReconcile_DegradedFlag(t *testing.T) {
	t.Parallel()

	s := &attend.Session{ID: "s1", Mode: attend.ModeRoll, TotalStudents: 1}
	rec := reconcile(s, []string{"01"}, true, nil, time.Now())
	assert.True(t, rec.Degraded)
}
