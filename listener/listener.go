package listener

import "context"

// Listener is a network front end of the server. Start blocks until ctx
// is cancelled or the listener fails.
type Listener interface {
	Addr() string
	Start(ctx context.Context) error
	Stop() error
	Type() string
}
