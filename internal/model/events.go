package model

// Domain event names partners may subscribe to.
const (
	EventMessageDelivered = "message.delivered"
	EventMessageRead      = "message.read"
	EventMessageFailed    = "message.failed"
	EventButtonClicked    = "button.clicked"
	EventListSelected     = "list.selected"
	EventOrderUpdated     = "order.updated"
	EventOrderApproved    = "order.approved"
	EventOrderCompleted   = "order.completed"

	// EventMessageSent is published on the live feed only; partners cannot subscribe to it.
	EventMessageSent = "message.sent"
)

var subscribable = map[string]struct{}{
	EventMessageDelivered: {},
	EventMessageRead:      {},
	EventMessageFailed:    {},
	EventButtonClicked:    {},
	EventListSelected:     {},
	EventOrderUpdated:     {},
	EventOrderApproved:    {},
	EventOrderCompleted:   {},
}

// KnownEvent reports whether name belongs to the subscribable event set.
func KnownEvent(name string) bool {
	_, ok := subscribable[name]
	return ok
}

// EventForState returns the partner event emitted when a message reaches st.
func EventForState(st State) (string, bool) {
	switch st {
	case StateDelivered:
		return EventMessageDelivered, true
	case StateRead:
		return EventMessageRead, true
	case StateFailed:
		return EventMessageFailed, true
	}
	return "", false
}
