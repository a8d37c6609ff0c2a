// Package claude implements [adapter.GenerationModel] by running the Claude
// CLI in print mode and reading its stream-json output.
//
// Key types:
//   - [Model] - the generation backend
//   - [Event] - one parsed stream event
//   - [Parser] - turns CLI stdout into events
package claude

// streamEvent is one raw line of the CLI's stream-json output.
type streamEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message *messageContent `json:"message,omitempty"`

	// Present on result events.
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *usage  `json:"usage,omitempty"`
}

type messageContent struct {
	Model   string         `json:"model,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventType classifies stream events.
type EventType string

const (
	EventTypeSystem    EventType = "system"
	EventTypeAssistant EventType = "assistant"
	EventTypeUser      EventType = "user"
	EventTypeResult    EventType = "result"
)

// Event is a parsed stream event.
type Event struct {
	Type EventType

	// Text is the assistant text in this event, if any.
	Text string

	// ToolName is set when the assistant invoked a tool.
	ToolName string

	// Model is reported on assistant events.
	Model string

	// The remaining fields are populated on the final result event.
	Result       string
	IsError      bool
	CostUSD      float64
	InputTokens  int
	OutputTokens int
}

func newEvent(raw *streamEvent) Event {
	e := Event{Type: EventType(raw.Type)}

	switch e.Type {
	case EventTypeAssistant:
		if raw.Message == nil {
			break
		}
		e.Model = raw.Message.Model
		for _, block := range raw.Message.Content {
			switch block.Type {
			case "text":
				e.Text += block.Text
			case "tool_use":
				e.ToolName = block.Name
			}
		}

	case EventTypeResult:
		e.Result = raw.Result
		e.IsError = raw.IsError || (raw.Subtype != "" && raw.Subtype != "success")
		e.CostUSD = raw.TotalCostUSD
		if raw.Usage != nil {
			e.InputTokens = raw.Usage.InputTokens
			e.OutputTokens = raw.Usage.OutputTokens
		}
	}
	return e
}

// IsText reports whether the event carries assistant text.
func (e Event) IsText() bool {
	return e.Type == EventTypeAssistant && e.Text != ""
}

// IsResult reports whether this is the session's final event.
func (e Event) IsResult() bool {
	return e.Type == EventTypeResult
}
