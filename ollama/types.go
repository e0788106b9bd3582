package ollama

// Roles understood by the chat endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChunkKind tells reasoning text apart from answer text.
type ChunkKind int

const (
	KindContent ChunkKind = iota
	KindThinking
)

func (k ChunkKind) String() string {
	if k == KindThinking {
		return "thinking"
	}
	return "content"
}

// Chunk is one increment of a streamed completion.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// StreamOptions configures a single streamed completion.
type StreamOptions struct {
	// Think asks the model for a separate reasoning stream.
	Think bool
	// Model overrides the client's default model when set.
	Model string
}

// chatRequest is the request body for /api/chat. Think is a pointer so it can
// be left out entirely: some models reject the field even when false.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Think    *bool     `json:"think,omitempty"`
}

// chatResponseLine is one NDJSON line of a streamed /api/chat response.
type chatResponseLine struct {
	Model   string `json:"model"`
	Message struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

type listModelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type errorResponse struct {
	Error string `json:"error"`
}
