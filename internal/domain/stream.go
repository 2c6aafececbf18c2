package domain

// StreamEventKind tags the variant carried by a StreamEvent.
type StreamEventKind int

const (
	// EventContentDelta carries a non-empty text fragment.
	EventContentDelta StreamEventKind = iota + 1
	// EventUsage carries the token usage summary of the generation.
	EventUsage
	// EventDone terminates the stream. Nothing follows it.
	EventDone
	// EventError terminates the stream after a transport failure mid-stream.
	EventError
)

func (k StreamEventKind) String() string {
	switch k {
	case EventContentDelta:
		return "content_delta"
	case EventUsage:
		return "usage"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one decoded unit of a generation stream.
type StreamEvent struct {
	Kind  StreamEventKind
	Text  string
	Usage *Usage
	Err   error
}

// ContentDelta builds an EventContentDelta event.
func ContentDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventContentDelta, Text: text}
}

// UsageSummary builds an EventUsage event.
func UsageSummary(u Usage) StreamEvent {
	return StreamEvent{Kind: EventUsage, Usage: &u}
}

// Done builds the terminal EventDone event.
func Done() StreamEvent {
	return StreamEvent{Kind: EventDone}
}

// StreamFailed builds the terminal EventError event.
func StreamFailed(err error) StreamEvent {
	return StreamEvent{Kind: EventError, Err: err}
}

// Terminal reports whether no event may follow e.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}
