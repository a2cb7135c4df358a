package state

import (
	"context"
	"fmt"

	"github.com/cloudtether/tether/internal/core"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
	DriverNone   = "none"
)

// Open creates a store for the configured driver. The "none" driver returns
// a store that discards everything, for ephemeral runs.
func Open(driver, path string) (core.Store, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(path)
	case DriverJSON:
		return NewJSONStore(path)
	case DriverNone, "":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q (want sqlite, json or none)", driver)
	}
}

// NopStore discards writes and reports no sessions.
type NopStore struct{}

func (NopStore) SaveSession(context.Context, *core.Session) error { return nil }
func (NopStore) LoadSession(context.Context, string) (*core.Session, error) {
	return nil, nil
}
func (NopStore) ListSessions(context.Context) ([]*core.Session, error) { return nil, nil }
func (NopStore) DeleteSession(context.Context, string) error           { return nil }
func (NopStore) SaveMetric(context.Context, core.MetricRecord) error   { return nil }
func (NopStore) Close() error                                          { return nil }

var _ core.Store = NopStore{}
