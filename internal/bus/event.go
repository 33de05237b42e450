package bus

import "time"

// Event is a domain event published on the bus.
//
// Kinds in use across the engine:
//
//	frame.message / frame.ack / frame.receipt / frame.typing /
//	frame.typingStop / frame.error   — inbound channel frames (wire.Frame)
//	conn.state_changed               — connection state transition
//	conn.connected                   — channel (re)established, resync point
//	conv.updated                     — conversation ledger changed
//	typing.changed                   — peer typing indicator set or expired
//	message.send_failed              — transmission rejected for one message
//	pager.error                      — history page fetch failed
//	session.invalidated              — auth collaborator revoked the session
//	session.user_blocked             — peer blocked; ledger must purge them
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
