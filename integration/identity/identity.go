// Package identity reads student records and device bindings from the
// external identity database. Device bindings are registered at first
// authenticated login by the identity system and are immutable from the
// coordinator's point of view; this package only ever selects.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no matching student exists.
var ErrNotFound = errors.New("identity: student not found")

// Student is the subset of the identity record the coordinator needs.
type Student struct {
	ID          string
	RollNumber  string
	Department  string
	Semester    string
	Section     string
	Fingerprint string
}

// Reader loads students and device bindings from the identity database.
type Reader struct {
	pool *pgxpool.Pool
}

// NewReader creates a Reader over the given pool.
func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// Fingerprint returns the registered device fingerprint for a student.
func (r *Reader) Fingerprint(ctx context.Context, studentID string) (string, error) {
	var fp string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(device_fingerprint, '')
		   FROM students
		  WHERE id = $1`,
		studentID,
	).Scan(&fp)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("identity: fingerprint lookup: %w", err)
	}
	return fp, nil
}

// SectionBindings returns the student→fingerprint map for a whole section
// in one query, keyed by student id. Students without a registered binding
// are omitted.
func (r *Reader) SectionBindings(ctx context.Context, dept, semester, section string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, device_fingerprint
		   FROM students
		  WHERE department = $1 AND semester = $2 AND section = $3
		    AND device_fingerprint IS NOT NULL`,
		dept, semester, section,
	)
	if err != nil {
		return nil, fmt.Errorf("identity: section bindings: %w", err)
	}
	defer rows.Close()

	bindings := make(map[string]string)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, fmt.Errorf("identity: section bindings scan: %w", err)
		}
		bindings[id] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: section bindings rows: %w", err)
	}
	return bindings, nil
}
