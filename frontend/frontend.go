// Package frontend provides the glue between a message transport and the
// broker core.
package frontend

import (
	"github.com/chihaya/remora/wire"
)

// Broker is the interface used by a frontend to hand inbound control messages
// to the core. Receive never blocks on I/O; outbound traffic flows back
// through the broker's Sender, which the frontend implements.
type Broker interface {
	Receive(m wire.Message)
}
