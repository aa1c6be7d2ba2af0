// Package tunnel implements the client and server packet-forwarding
// engines: RTP framing/deframing, flow demultiplexing, the crypto
// envelope, and the idle reaper, wired together into the two halves of
// the tunnel.
package tunnel

import (
	"github.com/rs/zerolog"
)

// MaxPacketSize bounds the transmit/receive staging buffers. It covers
// the largest UDP datagram a tunnel peer is expected to forward plus
// RTP header and envelope overhead; payloads larger than this are
// simply never produced by either engine's local traffic source in
// practice (UDP applications rarely exceed the path MTU).
const MaxPacketSize = 8192

// DefaultPayloadType is the RTP payload type the client stamps on
// outgoing packets when none is configured. It carries no meaning to
// the peer; it exists only to look like a plausible dynamic RTP
// payload type.
const DefaultPayloadType = 97

// TimestampStep is the per-packet RTP timestamp increment spec.md
// specifies (nominally 30fps video at 90kHz).
const TimestampStep = 3000

func nopLogger() zerolog.Logger { return zerolog.Nop() }
