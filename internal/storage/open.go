package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/entitymesh/internal/resilience"
)

// Drivers accepted by [Open].
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options selects and tunes a backend for [Open].
type Options struct {
	// Driver is one of DriverMemory, DriverPostgres or DriverSQLite.
	Driver string

	// DSN is the PostgreSQL connection string or the SQLite file path.
	DSN string

	// BreakerFailures opens the breaker after this many consecutive
	// failures. Zero disables the breaker.
	BreakerFailures int

	// BreakerReset is how long an open breaker rejects calls.
	BreakerReset time.Duration

	// OnBreakerChange is forwarded to the breaker.
	OnBreakerChange func(name string, from, to resilience.State)
}

// Open creates the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Driver {
	case "", DriverMemory:
		s = NewMemStore()
	case DriverPostgres:
		s, err = OpenPostgres(ctx, opts.DSN)
	case DriverSQLite:
		s, err = OpenSQLite(opts.DSN)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if opts.BreakerFailures <= 0 {
		return s, nil
	}
	return NewBreakerStore(s, resilience.Config{
		Name:          "storage-" + driverName(opts.Driver),
		MaxFailures:   opts.BreakerFailures,
		ResetTimeout:  opts.BreakerReset,
		OnStateChange: opts.OnBreakerChange,
	}), nil
}

func driverName(d string) string {
	if d == "" {
		return DriverMemory
	}
	return d
}
