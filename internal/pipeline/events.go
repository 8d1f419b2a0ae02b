package pipeline

import stdsync "sync"

// eventBufferSize is the coordinator event channel depth.
const eventBufferSize = 64

// EventKind discriminates coordinator events.
type EventKind int

const (
	// EventConnectionStatus reports server reachability changes.
	EventConnectionStatus EventKind = iota
	// EventUploadsComplete fires once per run at quiescence or after cancel.
	EventUploadsComplete
	// EventShowMessage carries a user-visible notice. When Ack is non-nil
	// the coordinator is blocked until it is called.
	EventShowMessage
)

// ConnectionState is the payload of EventConnectionStatus.
type ConnectionState int

const (
	Connected ConnectionState = iota
	Disconnected
)

func (s ConnectionState) String() string {
	if s == Disconnected {
		return "DISCONNECTED"
	}

	return "CONNECTED"
}

// Severity classifies EventShowMessage notices.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Event is one record on the coordinator's event channel. Fields are
// populated per Kind; zero values elsewhere.
type Event struct {
	Kind  EventKind
	RunID string

	// EventConnectionStatus
	URL   string
	State ConnectionState

	// EventUploadsComplete
	Success  bool
	Failed   bool
	Canceled bool

	// EventShowMessage
	Title    string
	Message  string
	Severity Severity
	// Ack, when non-nil, must be called by the observer once the message
	// has been surfaced. Calling it more than once is safe.
	Ack func()
}

// newAck returns an idempotent acknowledgment function and the channel it
// closes.
func newAck() (func(), <-chan struct{}) {
	ch := make(chan struct{})

	var once stdsync.Once

	return func() { once.Do(func() { close(ch) }) }, ch
}
