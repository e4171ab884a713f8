// Package sink fans poll results out to every registered consumer and
// manages their lifecycle.
package sink

import (
	"context"

	"github.com/HerbHall/snmpwatch/internal/poller"
)

// Sink is a poll result consumer with a lifecycle.
type Sink interface {
	poller.Consumer

	// Name returns the sink's unique identifier (e.g., "store", "mqtt").
	Name() string

	// Start prepares the sink before the first delivery.
	Start(ctx context.Context) error

	// Stop releases the sink's resources.
	Stop() error
}
