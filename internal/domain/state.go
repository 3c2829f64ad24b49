package domain

// TicketState is where a ticket sits in the drain loop.
type TicketState int

const (
	StatePending TicketState = iota
	StateInFlight
	StateSucceeded
	StateFailed
)

func (s TicketState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s TicketState) Terminal() bool {
	return s == StateSucceeded
}
