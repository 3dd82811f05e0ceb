package events

// Event enumerates high-level topics inside the execution engine.
//
// Payloads by topic: EventOrderUpdate carries a common.Order,
// EventPositionUpdate a common.Position, EventFill a common.Fill,
// EventSignalResult a SignalOutcome. EventStreamState carries the stream
// package's state-change record (declared there, next to the states).
type Event string

const (
	EventOrderUpdate    Event = "order_update"
	EventPositionUpdate Event = "position_update"
	EventFill           Event = "fill"
	EventSignalResult   Event = "signal_result"
	EventStreamState    Event = "stream_state"
)

// SignalOutcome summarizes one executed fan-out for bus consumers.
type SignalOutcome struct {
	Bot     string
	Symbol  string
	Kind    string
	Success int
	Failed  int
}
