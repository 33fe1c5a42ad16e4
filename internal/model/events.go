package model

// EventKind classifies the state changes the voice client reports.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReady
	EventClientJoined
	EventClientLeft
	EventClientUpdated
	EventClientMoved
	EventTalkStatus
	EventUniqueIDResolved
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReady:
		return "ready"
	case EventClientJoined:
		return "client_joined"
	case EventClientLeft:
		return "client_left"
	case EventClientUpdated:
		return "client_updated"
	case EventClientMoved:
		return "client_moved"
	case EventTalkStatus:
		return "talk_status"
	case EventUniqueIDResolved:
		return "unique_id_resolved"
	default:
		return "unknown"
	}
}

// Event is a domain event emitted by the voice client connection.
// Participant carries the post-change state; IsSelf is set when the event
// concerns the bridge's own client.
type Event struct {
	Kind        EventKind
	Participant Participant
	IsSelf      bool
}
