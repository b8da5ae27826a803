package transports

import "context"

// Transport is a client-facing I/O boundary. Implementations own their
// network lifecycle and hand every connection to the relay.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
