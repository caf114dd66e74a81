// Package remote defines the contract between the relay core and a
// conversation-capable, run-based LLM execution service.
//
// The core depends only on Client. Optional capabilities (conversation
// creation, file upload, conversation listing, assistant management) are
// separate interfaces discovered with As so that middleware clients can wrap a
// backend without hiding or faking what it supports.
package remote

import (
	"context"
	"io"
	"time"
)

type (
	// Client is the run-based execution API used by the orchestrator and the
	// file relay.
	Client interface {
		// CreateRun submits input blocks and tool directives against a
		// conversation and returns the initial run state.
		CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error)
		// GetRun re-fetches a run by id.
		GetRun(ctx context.Context, runID string) (*Run, error)
		// GetContainerFile retrieves metadata of a file produced inside a
		// sandbox container.
		GetContainerFile(ctx context.Context, containerID, fileID string) (*FileMetadata, error)
		// GetContainerFileContent retrieves the bytes of a container file.
		GetContainerFileContent(ctx context.Context, containerID, fileID string) (*FileContent, error)
	}

	// ConversationCreator is implemented by backends supporting multi-turn
	// conversations.
	ConversationCreator interface {
		CreateConversation(ctx context.Context) (*Conversation, error)
	}

	// ConversationLister is implemented by backends that can list the items
	// of a conversation.
	ConversationLister interface {
		ListConversationItems(ctx context.Context, conversationID string) ([]ConversationItem, error)
	}

	// FileUploader is implemented by backends accepting user file uploads.
	FileUploader interface {
		UploadFile(ctx context.Context, filename string, content io.Reader) (*UploadedFile, error)
	}

	// AssistantManager is implemented by backends hosting a persistent
	// assistant resource.
	AssistantManager interface {
		GetAssistant(ctx context.Context, assistantID string) (*Assistant, error)
		CreateAssistant(ctx context.Context, spec AssistantSpec) (*Assistant, error)
	}

	// Unwrapper is implemented by middleware clients to expose the client
	// they wrap.
	Unwrapper interface {
		Unwrap() Client
	}

	// CreateRunRequest describes one unit of work.
	CreateRunRequest struct {
		// SessionID is the remote conversation id.
		SessionID string
		// Input holds the prompt blocks in order.
		Input []InputBlock
		// Model overrides the backend default model when set.
		Model string
		// Tools lists capability directives in order.
		Tools []Tool
		// Metadata is attached to the run when the backend supports it.
		Metadata map[string]string
	}

	// InputBlock is one input message.
	InputBlock struct {
		Role    string        `json:"role"`
		Content []ContentPart `json:"content"`
	}

	// ContentPart is one part of an input message.
	ContentPart struct {
		Type   string `json:"type"`
		Text   string `json:"text,omitempty"`
		FileID string `json:"file_id,omitempty"`
	}

	// Tool is a capability directive forwarded verbatim to the backend, for
	// example {"type": "code_interpreter", "container": {"type": "auto"}}.
	Tool map[string]any

	// Run is one submitted unit of work against a session. The relay never
	// writes run state; it is refreshed from the backend by polling.
	Run struct {
		ID        string
		SessionID string
		Status    Status
		Model     string
		Tools     []Tool
		LastError *RunError
		CreatedAt time.Time
		// Raw is the backend payload the run was decoded from. The output
		// normalizer reads it.
		Raw []byte
	}

	// RunError is the structured error attached to a failed run.
	RunError struct {
		Code    string
		Message string
	}

	// Conversation is an opaque remote multi-turn context.
	Conversation struct {
		ID        string
		CreatedAt time.Time
	}

	// ConversationItem is one item of a conversation history.
	ConversationItem struct {
		ID        string
		Type      string
		Role      string
		CreatedAt time.Time
		// Raw is the backend payload of the item, shaped like a run output
		// block.
		Raw []byte
	}

	// FileMetadata describes a container file.
	FileMetadata struct {
		ID          string
		ContainerID string
		Path        string
		Filename    string
		Name        string
		Bytes       int64
		CreatedAt   time.Time
	}

	// FileContent holds container file bytes.
	FileContent struct {
		Data        []byte
		ContentType string
		// Filename is the name advertised by the content response, if any.
		Filename string
	}

	// UploadedFile describes a file stored by the backend for later use by
	// the code execution tool.
	UploadedFile struct {
		ID       string
		Filename string
		Bytes    int64
	}

	// Assistant is a persistent remote assistant resource.
	Assistant struct {
		ID    string
		Name  string
		Model string
	}

	// AssistantSpec describes an assistant to create.
	AssistantSpec struct {
		Name         string
		Instructions string
		Model        string
		Tools        []Tool
	}
)

// As walks the Unwrap chain of c and returns the first client implementing T.
func As[T any](c Client) (T, bool) {
	for c != nil {
		if t, ok := c.(T); ok {
			return t, true
		}
		u, ok := c.(Unwrapper)
		if !ok {
			break
		}
		c = u.Unwrap()
	}
	var zero T
	return zero, false
}

// UserMessage builds a user input block holding text.
func UserMessage(text string) InputBlock {
	return InputBlock{
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
}

// CodeInterpreter returns the code execution tool directive. fileIDs are made
// available inside the sandbox container.
func CodeInterpreter(fileIDs ...string) Tool {
	container := map[string]any{"type": "auto"}
	if len(fileIDs) > 0 {
		ids := make([]string, len(fileIDs))
		copy(ids, fileIDs)
		container["file_ids"] = ids
	}
	return Tool{"type": "code_interpreter", "container": container}
}

// Type returns the directive type.
func (t Tool) Type() string {
	s, _ := t["type"].(string)
	return s
}
