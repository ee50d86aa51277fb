// Package runtime provides the chat completion gateway used by the chat bridge.
package runtime

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message.
type Message struct {
	Role       string // system, user, assistant, tool
	Content    string
	Name       string     // optional
	ToolCalls  []ToolCall // assistant messages requesting tools
	ToolCallID string     // tool messages answering a call
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON object
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// CompletionParams contains parameters for a completion request.
type CompletionParams struct {
	Messages    []Message
	Tools       []ToolDefinition
	Provider    string // empty selects by model
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
}

// Finish reasons reported on a CompletionResult.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// CompletionResult contains the result of a completion request.
type CompletionResult struct {
	ID           string
	Content      string
	Message      Message
	FinishReason string
	Provider     string
	Model        string
	Usage        Usage
}

// WantsTools reports whether the model asked for tool calls instead of
// answering.
func (r *CompletionResult) WantsTools() bool {
	return len(r.Message.ToolCalls) > 0
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
