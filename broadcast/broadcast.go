// Package broadcast defines the pub/sub primitive Accord announces over:
// registration requests and acknowledgments, leadership changes, and health
// pings. Delivery is best-effort fan-out; anything that must survive an
// outage goes through the durable log, not this channel.
package broadcast

import (
	"context"
	"encoding/json"
)

// Broker is the broadcast channel contract.
type Broker interface {
	// Publish sends a JSON message to every current subscriber of the
	// channel.
	Publish(ctx context.Context, channel string, payload json.RawMessage) error

	// Subscribe registers a subscriber on the channel. The returned
	// Subscription delivers messages until Close is called.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one live attachment to a broadcast channel.
type Subscription interface {
	// C returns the receive channel. It is closed by Close.
	C() <-chan json.RawMessage

	// Close detaches the subscription and closes the receive channel.
	Close() error
}
