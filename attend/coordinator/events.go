package coordinator

import (
	"time"

	"github.com/rollcall-app/rollcall/attend"
)

// Outbound event names. Faculty-room events carry operational detail; the
// section room receives only status updates students may act on.
const (
	EventSessionStarted     = "sessionStarted"
	EventSessionLocked      = "sessionLocked"
	EventSessionUnlocked    = "sessionUnlocked"
	EventAttendanceStarted  = "attendanceStarted"
	EventSessionEnded       = "sessionEnded"
	EventSessionStatus      = "sessionStatusUpdate"
	EventTokenRefreshed     = "tokenRefreshed"
	EventStudentJoined      = "studentJoined"
	EventAttendanceUpdate   = "attendanceUpdate"
	EventGroupStarted       = "groupSessionStarted"
	EventGroupEnded         = "groupSessionEnded"
)

// Bus delivers events to realtime rooms. The faculty room is keyed by
// faculty id, the section room by the cohort triple.
type Bus interface {
	ToFaculty(facultyID, event string, payload any)
	ToSection(t attend.Triple, event string, payload any)
}

// NoopBus discards events. Used in tests and batch paths.
type NoopBus struct{}

func (NoopBus) ToFaculty(string, string, any)        {}
func (NoopBus) ToSection(attend.Triple, string, any) {}

// StatusUpdate is broadcast to the section room on every lifecycle change.
type StatusUpdate struct {
	SessionID   string        `json:"sessionId"`
	GroupID     string        `json:"groupId,omitempty"`
	Status      attend.Status `json:"status"`
	CanJoin     bool          `json:"canJoin"`
	CanScanQR   bool          `json:"canScanQR"`
	FacultyName string        `json:"facultyName"`
	Triple      attend.Triple `json:"triple"`
	Message     string        `json:"message,omitempty"`
}

// TokenRefreshed goes to the faculty room only; students never receive
// tokens over the wire, they scan them from the faculty screen.
type TokenRefreshed struct {
	SessionID    string `json:"sessionId"`
	Token        string `json:"token"`
	Expiry       int64  `json:"expiry"` // millisecond epoch
	RefreshCount int64  `json:"refreshCount"`
	TimerSeconds int    `json:"timerSeconds"`
	QRImage      string `json:"qrImage,omitempty"` // data URI
}

// StudentJoined notifies the faculty of a new join-set member.
type StudentJoined struct {
	SessionID  string `json:"sessionId"`
	StudentID  string `json:"studentId"`
	RollNumber string `json:"rollNumber"`
	Joined     int64  `json:"joined"`
}

// AttendanceUpdate notifies the faculty of a successful scan, or of a
// removal by the proxy gate.
type AttendanceUpdate struct {
	SessionID  string `json:"sessionId"`
	RollNumber string `json:"rollNumber"`
	Present    int64  `json:"present"`
	TotalScans int64  `json:"totalScans"`
	Removed    bool   `json:"removed,omitempty"`
}

// SessionEnded carries the reconciliation summary.
type SessionEnded struct {
	SessionID     string    `json:"sessionId"`
	GroupID       string    `json:"groupId,omitempty"`
	PresentCount  int       `json:"presentCount"`
	AbsentCount   int       `json:"absentCount"`
	TotalStudents int       `json:"totalStudents"`
	EndedAt       time.Time `json:"endedAt"`
}

func statusUpdate(s *attend.Session, message string) StatusUpdate {
	return StatusUpdate{
		SessionID:   s.ID,
		GroupID:     s.GroupID,
		Status:      s.Status,
		CanJoin:     s.Status.CanJoin(),
		CanScanQR:   s.Status.CanScanQR(),
		FacultyName: s.Faculty.Name,
		Triple:      s.Triple,
		Message:     message,
	}
}
