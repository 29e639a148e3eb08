package announce

import "fmt"

type Event uint8

const (
	EventNone Event = iota // periodic update
	EventStarted
	EventCompleted
	EventStopped
)

// ParseEvent maps the query value to an Event. "paused" (BEP 21 partial
// seeds) is handled as a periodic update.
func ParseEvent(s string) (Event, error) {
	switch s {
	case "", "empty", "paused":
		return EventNone, nil
	case "started":
		return EventStarted, nil
	case "completed":
		return EventCompleted, nil
	case "stopped":
		return EventStopped, nil
	default:
		return EventNone, fmt.Errorf("%w: unknown event %q", ErrMalformedRequest, s)
	}
}

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "empty"
	}
}
