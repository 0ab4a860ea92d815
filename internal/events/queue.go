package events

// Event type constants for queue events.
const (
	TypeQueueState = "queue_state"
)

// QueueStateEvent reports a processor state change: started, paused,
// resumed, drained, stopped.
type QueueStateEvent struct {
	BaseEvent
	State string `json:"state"`
	Depth int    `json:"depth"`
}

// NewQueueStateEvent creates a new queue state event.
func NewQueueStateEvent(state string, depth int) QueueStateEvent {
	return QueueStateEvent{
		BaseEvent: NewBaseEvent(TypeQueueState, ""),
		State:     state,
		Depth:     depth,
	}
}
