// Package auth resolves bearer credentials into caller identities. Tokens
// are HMAC JWTs issued by the identity service with role-specific claims;
// this package only verifies and never issues for end users.
package auth

import (
	"strings"
	"time"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/pkg/jwt"
)

// Role discriminates the two caller kinds.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
)

// Claims is the identity payload carried in a bearer token.
type Claims struct {
	jwt.StandardClaims

	Role       Role   `json:"role"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	RollNumber string `json:"rollNumber,omitempty"`

	// Student cohort; zero for faculty.
	Department string `json:"department,omitempty"`
	Semester   string `json:"semester,omitempty"`
	Section    string `json:"section,omitempty"`

	// Sections a faculty teaches, as triple keys like "CSE-5-A".
	Sections []string `json:"sections,omitempty"`
}

// Identity is the resolved caller.
type Identity struct {
	ID         string
	Role       Role
	Name       string
	Email      string
	RollNumber string
	Triple     attend.Triple
	Sections   []attend.Triple
}

// IsStudent reports whether the caller is a student.
func (i Identity) IsStudent() bool { return i.Role == RoleStudent }

// IsFaculty reports whether the caller is a faculty.
func (i Identity) IsFaculty() bool { return i.Role == RoleFaculty }

// Faculty renders the identity as a session owner.
func (i Identity) Faculty() attend.Faculty {
	return attend.Faculty{ID: i.ID, Name: i.Name, Email: i.Email}
}

// Student renders the identity as a scanner/joiner.
func (i Identity) Student() attend.Student {
	return attend.Student{
		ID:         i.ID,
		RollNumber: i.RollNumber,
		Email:      i.Email,
		Triple:     i.Triple,
	}
}

// Verifier checks bearer tokens.
type Verifier struct {
	svc *jwt.Service
	now func() time.Time
}

// NewVerifier creates a Verifier with the shared signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	svc, err := jwt.NewFromString(secret)
	if err != nil {
		return nil, err
	}
	return &Verifier{svc: svc, now: time.Now}, nil
}

// Verify parses and validates a bearer token and returns the identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	var claims Claims
	if err := v.svc.Parse(token, &claims); err != nil {
		return Identity{}, err
	}

	id := Identity{
		ID:         claims.Subject,
		Role:       claims.Role,
		Name:       claims.Name,
		Email:      claims.Email,
		RollNumber: claims.RollNumber,
	}
	if claims.Role == RoleStudent {
		id.Triple = attend.Triple{
			Department: claims.Department,
			Semester:   claims.Semester,
			Section:    claims.Section,
		}
	}
	for _, key := range claims.Sections {
		if t, ok := ParseTripleKey(key); ok {
			id.Sections = append(id.Sections, t)
		}
	}
	return id, nil
}

// ParseTripleKey parses a "DEPT-SEM-SEC" key back into a triple. The
// department may itself contain hyphens, so the last two segments win.
func ParseTripleKey(key string) (attend.Triple, bool) {
	parts := strings.Split(key, "-")
	if len(parts) < 3 {
		return attend.Triple{}, false
	}
	return attend.Triple{
		Department: strings.Join(parts[:len(parts)-2], "-"),
		Semester:   parts[len(parts)-2],
		Section:    parts[len(parts)-1],
	}, true
}
