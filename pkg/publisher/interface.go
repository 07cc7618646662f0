package publisher

import (
	"context"

	"github.com/stormseeker/humidity/pkg/protocol"
)

// ConnectionListener observes the connection state of a sink.
// Callbacks are invoked asynchronously by the sink.
type ConnectionListener interface {
	// OnConnectionEstablished is called when the sink (re)connects
	OnConnectionEstablished()

	// OnConnectionLost is called on an unexpected loss; the sink may retry
	OnConnectionLost()

	// OnDisconnected is called after an explicit, clean disconnect
	OnDisconnected()
}

// DeliveryListener observes delivery acknowledgements
type DeliveryListener interface {
	// OnMessageConfirmed reports that the message with the given id was delivered
	OnMessageConfirmed(messageID string)
}

// Sink is the destination envelopes are forwarded to
type Sink interface {
	// Publish forwards an envelope and returns the id later passed to
	// OnMessageConfirmed
	Publish(ctx context.Context, env *protocol.Envelope) (string, error)

	RegisterConnectionListener(l ConnectionListener)
	UnregisterConnectionListener(l ConnectionListener)
	RegisterDeliveryListener(l DeliveryListener)
	UnregisterDeliveryListener(l DeliveryListener)

	// Close releases the underlying connection
	Close() error

	// Name returns the sink name for logging
	Name() string
}
