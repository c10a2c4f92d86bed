// Package schema migrates persisted payloads forward between schema
// versions, one version at a time.
package schema

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrUnsupportedVersion is returned when a payload is newer than the newest
// version the registry supports. It indicates a configuration error, for
// example a rollback to an older build.
var ErrUnsupportedVersion = errors.New("schema: unsupported schema version")

// MigrationError reports a failed migration step.
type MigrationError struct {
	PayloadType string
	FromVersion int
	ToVersion   int
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema: migrating %s from v%d to v%d: %v", e.PayloadType, e.FromVersion, e.ToVersion, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Step migrates a payload in place from version v to v+1.
type Step[P any] func(p *P) error

// Registry holds the migration steps for payload type P.
type Registry[P any] struct {
	min, max int
	steps    map[int]Step[P]
}

// New returns a registry supporting versions [minVersion, maxVersion].
func New[P any](minVersion, maxVersion int) *Registry[P] {
	return &Registry[P]{min: minVersion, max: maxVersion, steps: make(map[int]Step[P])}
}

// Register adds the step migrating from version from to from+1.
func (r *Registry[P]) Register(from int, step Step[P]) *Registry[P] {
	r.steps[from] = step
	return r
}

// SupportedVersions returns the oldest and newest supported versions.
func (r *Registry[P]) SupportedVersions() (minVersion, maxVersion int) {
	return r.min, r.max
}

// PayloadType names P for logs and metrics.
func (r *Registry[P]) PayloadType() string {
	return reflect.TypeFor[P]().String()
}

// Validate checks that a step exists for every version in [min, max).
func (r *Registry[P]) Validate() error {
	if r.min > r.max {
		return fmt.Errorf("schema: %s: min version %d above max version %d", r.PayloadType(), r.min, r.max)
	}
	var errs []error
	for v := r.min; v < r.max; v++ {
		if r.steps[v] == nil {
			errs = append(errs, fmt.Errorf("schema: %s: missing migration from v%d to v%d", r.PayloadType(), v, v+1))
		}
	}
	for v := range r.steps {
		if v < r.min || v >= r.max {
			errs = append(errs, fmt.Errorf("schema: %s: migration from v%d is outside supported range [%d, %d]", r.PayloadType(), v, r.min, r.max))
		}
	}
	return errors.Join(errs...)
}

// Migrate runs every step from version from up to the newest version and
// returns the number of steps executed.
func (r *Registry[P]) Migrate(p *P, from int) (int, error) {
	if from > r.max {
		return 0, fmt.Errorf("%w: %s v%d is newer than v%d", ErrUnsupportedVersion, r.PayloadType(), from, r.max)
	}
	if from < r.min {
		return 0, fmt.Errorf("%w: %s v%d is older than v%d", ErrUnsupportedVersion, r.PayloadType(), from, r.min)
	}
	n := 0
	for v := from; v < r.max; v++ {
		step := r.steps[v]
		if step == nil {
			return n, &MigrationError{PayloadType: r.PayloadType(), FromVersion: v, ToVersion: v + 1, Err: errors.New("no migration registered")}
		}
		if err := step(p); err != nil {
			return n, &MigrationError{PayloadType: r.PayloadType(), FromVersion: v, ToVersion: v + 1, Err: err}
		}
		n++
	}
	return n, nil
}
