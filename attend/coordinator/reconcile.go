package coordinator

import (
	"fmt"
	"sort"
	"time"

	"github.com/rollcall-app/rollcall/attend"
)

// reconcile folds the attendance set into the durable record. In roll mode
// absentees are the complement of the present set over the roster sequence
// "01".."NN"; in email mode no roster exists, so only presence is recorded.
func reconcile(s *attend.Session, attended []string, degraded bool, photos map[string]string, endedAt time.Time) *attend.Record {
	present := make([]string, len(attended))
	copy(present, attended)
	sort.Strings(present)

	var absent []string
	if s.Mode == attend.ModeRoll {
		absent = rosterComplement(s.TotalStudents, present)
	}

	return &attend.Record{
		ID:            attend.NewID(),
		SessionID:     s.ID,
		GroupID:       s.GroupID,
		Triple:        s.Triple,
		Faculty:       s.Faculty,
		Mode:          s.Mode,
		TotalStudents: s.TotalStudents,
		Present:       present,
		Absent:        absent,
		Photos:        photos,
		Degraded:      degraded,
		CreatedAt:     endedAt,
	}
}

// rosterComplement returns the zero-padded roll numbers from 01 to total
// that are not in present. present must be sorted; off-roster entries in
// the attendance set are ignored.
func rosterComplement(total int, present []string) []string {
	marked := make(map[string]struct{}, len(present))
	for _, roll := range present {
		marked[roll] = struct{}{}
	}
	// Sizing by total-len(present) would go negative when off-roster or
	// over-roster entries inflate the present set.
	absent := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		roll := fmt.Sprintf("%02d", i)
		if _, ok := marked[roll]; !ok {
			absent = append(absent, roll)
		}
	}
	return absent
}
