package runner

import (
	"encoding/json"
	"time"

	"github.com/Iron-Ham/planloop/internal/util"
)

// streamLine is one newline-delimited JSON record of the agent's
// stream-json output. Only the fields planloop consumes are decoded.
type streamLine struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Message *streamMessage `json:"message,omitempty"`

	// system/init and result
	SessionID string `json:"session_id,omitempty"`

	// result
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

// contentBlock covers text, tool_use and tool_result blocks.
type contentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func parseLine(line []byte) (streamLine, bool) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil || sl.Type == "" {
		return streamLine{}, false
	}
	return sl, true
}

// ActiveTool is a tool invocation that has started but not yet reported a
// result.
type ActiveTool struct {
	ID        string
	Name      string
	StartedAt time.Time
	Input     map[string]any
}

// SummarizeInput shortens a tool input for events: strings longer than
// maxChars runes are clipped with "...", nested objects become "<object>"
// and arrays "<array>". Other scalars pass through.
func SummarizeInput(input map[string]any, maxChars int) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		switch val := v.(type) {
		case string:
			out[k] = util.ClipRunes(val, maxChars)
		case map[string]any:
			out[k] = "<object>"
		case []any:
			out[k] = "<array>"
		default:
			out[k] = val
		}
	}
	return out
}
