package health

import (
	"context"
	"database/sql"
	"errors"
)

// JournalProbe pings the conversation journal database.
func JournalProbe(db *sql.DB) Probe {
	return Probe{
		Name: "journal",
		Check: func(ctx context.Context) error {
			if db == nil {
				return errors.New("no database handle")
			}
			return db.PingContext(ctx)
		},
	}
}

// BreakerProbe reports not-ready while the named vendor circuit is open. A
// half-open or closed circuit counts as ready since requests may flow.
func BreakerProbe(name string, open func() bool) Probe {
	return Probe{
		Name: name,
		Check: func(context.Context) error {
			if open() {
				return errors.New("circuit open")
			}
			return nil
		},
	}
}
