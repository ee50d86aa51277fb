// Package chat runs chat turns with tool-call continuation. A turn submitted
// over the chat bridge resolves every tool call the model makes on the
// worker and only surfaces the final text answer.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/services/runtime"
)

// Turn is one user message in a conversation.
type Turn struct {
	// ConversationID selects the transcript to continue. The zero UUID
	// starts a new conversation.
	ConversationID uuid.UUID
	Prompt         string
}

// Reply is the terminal result of a turn.
type Reply struct {
	ConversationID uuid.UUID
	Content        string

	// Messages holds everything the turn appended to the transcript, from
	// the user message to the final assistant answer.
	Messages []runtime.Message

	Rounds    int // completion calls made
	ToolCalls int // tools invoked
	Usage     runtime.Usage
}

// Conversation summarizes a stored transcript.
type Conversation struct {
	ID        uuid.UUID
	Messages  int
	UpdatedAt time.Time
}
