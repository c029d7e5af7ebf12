package session

// EventType tags the events fanned out to conversation stream subscribers.
type EventType string

const (
	EventStatusChanged EventType = "StatusChanged"
	EventEntryAppended EventType = "EntryAppended"
	EventToolStarted   EventType = "ToolStarted"
	EventToolCompleted EventType = "ToolCompleted"
	EventProgress      EventType = "Progress"
	EventError         EventType = "Error"
	EventTerminated    EventType = "Terminated"
)

// Event is the wire shape pushed to subscribers. Only the fields relevant
// to Type are populated.
type Event struct {
	Type      EventType          `json:"type"`
	SessionID string             `json:"session_id"`
	Status    *Status            `json:"status,omitempty"`
	Entry     *ConversationEntry `json:"entry,omitempty"`
	ToolName  string             `json:"tool_name,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
	Response  *UserToolResponse  `json:"user_response,omitempty"`
	Success   *bool              `json:"success,omitempty"`
	Progress  *float64           `json:"progress,omitempty"`
	Message   string             `json:"message,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

func statusChangedEvent(sid string, st Status) Event {
	return Event{Type: EventStatusChanged, SessionID: sid, Status: &st}
}

func entryAppendedEvent(sid string, e ConversationEntry) Event {
	return Event{Type: EventEntryAppended, SessionID: sid, Entry: &e}
}

func toolStartedEvent(sid, name, callID string) Event {
	return Event{Type: EventToolStarted, SessionID: sid, ToolName: name, CallID: callID}
}

func toolCompletedEvent(sid, callID string, resp UserToolResponse, success bool) Event {
	return Event{Type: EventToolCompleted, SessionID: sid, CallID: callID, Response: &resp, Success: &success}
}

func progressEvent(sid string, value float64) Event {
	return Event{Type: EventProgress, SessionID: sid, Progress: &value}
}

func errorEvent(sid, message string) Event {
	return Event{Type: EventError, SessionID: sid, Message: message}
}

func terminatedEvent(sid, reason string) Event {
	return Event{Type: EventTerminated, SessionID: sid, Reason: reason}
}
