// Package attend implements the attendance session coordinator: the session
// lifecycle state machine, membership and scan handling, group sessions,
// token rotation, and end-of-session reconciliation into durable records.
package attend

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Triple identifies a classroom cohort.
type Triple struct {
	Department string `json:"department" bson:"department"`
	Semester   string `json:"semester" bson:"semester"`
	Section    string `json:"section" bson:"section"`
}

// Key renders the triple as a cache-key fragment, e.g. "CSE-5-A".
func (t Triple) Key() string {
	return fmt.Sprintf("%s-%s-%s", t.Department, t.Semester, t.Section)
}

// IsZero reports whether the triple is unset.
func (t Triple) IsZero() bool {
	return t.Department == "" && t.Semester == "" && t.Section == ""
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated Status = "created"
	StatusLocked  Status = "locked"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// allowedTransitions encodes the lifecycle table. Ended is terminal.
var allowedTransitions = map[Status][]Status{
	StatusCreated: {StatusLocked, StatusEnded},
	StatusLocked:  {StatusCreated, StatusActive, StatusEnded},
	StatusActive:  {StatusEnded},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the status blocks creation of a sibling session.
func (s Status) Live() bool {
	return s == StatusCreated || s == StatusLocked || s == StatusActive
}

// CanJoin reports whether students may enter the join set in this status.
func (s Status) CanJoin() bool { return s == StatusCreated }

// CanScanQR reports whether scans are accepted in this status.
func (s Status) CanScanQR() bool { return s == StatusActive }

// Mode selects how presence sets are keyed and absentees computed.
type Mode string

const (
	// ModeRoll keys attendance by roll number; absentees are the complement
	// over the roster sequence "01".."NN".
	ModeRoll Mode = "roll"
	// ModeEmail keys attendance by email; no absentee complement exists.
	ModeEmail Mode = "email"
)

// Student is the authenticated student identity a request acts as.
type Student struct {
	ID         string `json:"id"`
	RollNumber string `json:"rollNumber"`
	Email      string `json:"email"`
	Triple     Triple `json:"triple"`
}

// PresenceKey returns the attendance-set member key for the session mode.
func (s Student) PresenceKey(mode Mode) string {
	if mode == ModeEmail {
		return s.Email
	}
	return s.RollNumber
}

// Faculty identifies the session owner.
type Faculty struct {
	ID    string `json:"id" bson:"id"`
	Name  string `json:"name" bson:"name"`
	Email string `json:"email" bson:"email"`
}

// Counters are derived live counts cached on the session document. Ground
// truth at end-of-session is the cache sets, reconciled into the record.
type Counters struct {
	Joined               int64 `json:"joined" bson:"joined"`
	Present              int64 `json:"present" bson:"present"`
	TotalScans           int64 `json:"totalScans" bson:"totalScans"`
	UniqueDevices        int64 `json:"uniqueDevices" bson:"uniqueDevices"`
	DuplicateAttempts    int64 `json:"duplicateAttempts" bson:"duplicateAttempts"`
	InvalidTokenAttempts int64 `json:"invalidTokenAttempts" bson:"invalidTokenAttempts"`
}

// Session is the atomic scheduling unit.
type Session struct {
	ID            string    `json:"sessionId" bson:"_id"`
	Triple        Triple    `json:"triple" bson:"triple"`
	Faculty       Faculty   `json:"faculty" bson:"faculty"`
	TotalStudents int       `json:"totalStudents" bson:"totalStudents"`
	Mode          Mode      `json:"mode" bson:"mode"`
	Status        Status    `json:"status" bson:"status"`
	GroupID       string    `json:"groupId,omitempty" bson:"groupId,omitempty"`
	CurrentToken  string    `json:"-" bson:"currentToken,omitempty"`
	TokenExpiry   time.Time `json:"-" bson:"tokenExpiry,omitempty"`
	RefreshCount  int64     `json:"refreshCount" bson:"refreshCount"`
	Counters      Counters  `json:"counters" bson:"counters"`

	CreatedAt time.Time  `json:"createdAt" bson:"createdAt"`
	LockedAt  *time.Time `json:"lockedAt,omitempty" bson:"lockedAt,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
}

// GroupMember is one section's slot in a group session.
type GroupMember struct {
	Triple        Triple `json:"triple" bson:"triple"`
	SessionID     string `json:"sessionId" bson:"sessionId"`
	TotalStudents int    `json:"totalStudents" bson:"totalStudents"`
}

// GroupSession aggregates sibling sessions under one token stream.
type GroupSession struct {
	ID           string        `json:"groupId" bson:"_id"`
	Faculty      Faculty       `json:"faculty" bson:"faculty"`
	Members      []GroupMember `json:"members" bson:"members"`
	Mode         Mode          `json:"mode" bson:"mode"`
	Status       Status        `json:"status" bson:"status"`
	CurrentToken string        `json:"-" bson:"currentToken,omitempty"`
	TokenExpiry  time.Time     `json:"-" bson:"tokenExpiry,omitempty"`
	RefreshCount int64         `json:"refreshCount" bson:"refreshCount"`

	CreatedAt time.Time  `json:"createdAt" bson:"createdAt"`
	LockedAt  *time.Time `json:"lockedAt,omitempty" bson:"lockedAt,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty" bson:"endedAt,omitempty"`
}

// Member returns the member matching the triple, if any.
func (g *GroupSession) Member(t Triple) (GroupMember, bool) {
	for _, m := range g.Members {
		if m.Triple == t {
			return m, true
		}
	}
	return GroupMember{}, false
}

// Record is the durable attendance record produced at session end.
type Record struct {
	ID            string            `json:"id" bson:"_id"`
	SessionID     string            `json:"sessionId" bson:"sessionId"`
	GroupID       string            `json:"groupId,omitempty" bson:"groupId,omitempty"`
	Triple        Triple            `json:"triple" bson:"triple"`
	Faculty       Faculty           `json:"faculty" bson:"faculty"`
	Mode          Mode              `json:"mode" bson:"mode"`
	TotalStudents int               `json:"totalStudents" bson:"totalStudents"`
	Present       []string          `json:"present" bson:"present"`
	Absent        []string          `json:"absent" bson:"absent"`
	Photos        map[string]string `json:"photos,omitempty" bson:"photos,omitempty"`
	Degraded      bool              `json:"degraded,omitempty" bson:"degraded,omitempty"`
	CreatedAt     time.Time         `json:"createdAt" bson:"createdAt"`
}

// NewID mints a 128-bit opaque identifier, URL-safe base64 encoded.
func NewID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
