// Package inmem provides a scripted in-memory remote backend. Runs follow a
// configurable status script and complete with a configurable raw payload.
// Container files, uploads, conversations and assistants are kept in maps with
// no persistence.
//
// It backs the relay tests and the -dev mode of the relay server.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"goa.design/coderelay/runtime/remote"
)

const providerName = "inmem"

type (
	// Client is the in-memory backend. It implements remote.Client and every
	// optional capability. It is safe for concurrent use.
	Client struct {
		mu            sync.Mutex
		responder     Responder
		conversations map[string][]remote.ConversationItem
		runs          map[string]*runState
		files         map[fileKey]*storedFile
		uploads       map[string]remote.UploadedFile
		assistants    map[string]remote.Assistant
		failures      map[string][]error
		requests      []remote.CreateRunRequest
		now           func() time.Time
	}

	// Script describes how a run evolves. The first status is returned by
	// CreateRun and each GetRun advances by one; the last status repeats.
	Script struct {
		Statuses []remote.Status
		// Output is the raw payload of the completed run. When nil the run
		// echoes its prompt.
		Output []byte
		// LastError is attached to failed runs.
		LastError *remote.RunError
	}

	// Responder chooses the script of a new run.
	Responder func(req remote.CreateRunRequest) Script

	// Option configures a Client.
	Option func(*Client)

	runState struct {
		run    remote.Run
		script Script
		step   int
		prompt string
	}

	fileKey struct {
		container, file string
	}

	storedFile struct {
		meta        remote.FileMetadata
		data        []byte
		contentType string
	}
)

var _ interface {
	remote.Client
	remote.ConversationCreator
	remote.ConversationLister
	remote.FileUploader
	remote.AssistantManager
} = (*Client)(nil)

// WithScript makes every run follow s.
func WithScript(s Script) Option {
	return func(c *Client) { c.responder = func(remote.CreateRunRequest) Script { return s } }
}

// WithResponder sets the function choosing the script of each run.
func WithResponder(r Responder) Option {
	return func(c *Client) { c.responder = r }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// DefaultScript goes through queued and in_progress and completes with an
// echo of the prompt.
func DefaultScript() Script {
	return Script{Statuses: []remote.Status{remote.StatusQueued, remote.StatusInProgress, remote.StatusCompleted}}
}

// New returns an empty backend.
func New(opts ...Option) *Client {
	c := &Client{
		responder:     func(remote.CreateRunRequest) Script { return DefaultScript() },
		conversations: make(map[string][]remote.ConversationItem),
		runs:          make(map[string]*runState),
		files:         make(map[fileKey]*storedFile),
		uploads:       make(map[string]remote.UploadedFile),
		assistants:    make(map[string]remote.Assistant),
		failures:      make(map[string][]error),
		now:           time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fail makes the next len(errs) calls of operation op return errs in order.
// op is the method name, for example "CreateRun".
func (c *Client) Fail(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// AddContainerFile registers a file as if produced in containerID.
func (c *Client) AddContainerFile(containerID string, meta remote.FileMetadata, data []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta.ContainerID = containerID
	if meta.Bytes == 0 {
		meta.Bytes = int64(len(data))
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = c.now()
	}
	c.files[fileKey{containerID, meta.ID}] = &storedFile{meta: meta, data: append([]byte(nil), data...), contentType: contentType}
}

// Requests returns the run requests received so far.
func (c *Client) Requests() []remote.CreateRunRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.CreateRunRequest(nil), c.requests...)
}

// Upload returns the uploaded file with the given id.
func (c *Client) Upload(id string) (remote.UploadedFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.uploads[id]
	return u, ok
}

// CreateConversation implements remote.ConversationCreator.
func (c *Client) CreateConversation(ctx context.Context) (*remote.Conversation, error) {
	if err := c.check(ctx, "CreateConversation"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "conv_" + uuid.NewString()
	c.conversations[id] = nil
	return &remote.Conversation{ID: id, CreatedAt: c.now()}, nil
}

// ListConversationItems implements remote.ConversationLister.
func (c *Client) ListConversationItems(ctx context.Context, conversationID string) ([]remote.ConversationItem, error) {
	if err := c.check(ctx, "ListConversationItems"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	items, ok := c.conversations[conversationID]
	if !ok {
		return nil, notFound("conversations.items.list", "conversation", conversationID)
	}
	return append([]remote.ConversationItem(nil), items...), nil
}

// CreateRun implements remote.Client.
func (c *Client) CreateRun(ctx context.Context, req remote.CreateRunRequest) (*remote.Run, error) {
	if err := c.check(ctx, "CreateRun"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conversations[req.SessionID]; !ok {
		return nil, notFound("responses.create", "conversation", req.SessionID)
	}
	c.requests = append(c.requests, req)
	script := c.responder(req)
	if len(script.Statuses) == 0 {
		script.Statuses = []remote.Status{remote.StatusCompleted}
	}
	st := &runState{
		run: remote.Run{
			ID:        "resp_" + uuid.NewString(),
			SessionID: req.SessionID,
			Model:     req.Model,
			Tools:     req.Tools,
			CreatedAt: c.now(),
		},
		script: script,
		prompt: promptText(req.Input),
	}
	c.runs[st.run.ID] = st
	c.apply(st)
	return c.snapshot(st), nil
}

// GetRun implements remote.Client.
func (c *Client) GetRun(ctx context.Context, runID string) (*remote.Run, error) {
	if err := c.check(ctx, "GetRun"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.runs[runID]
	if !ok {
		return nil, notFound("responses.retrieve", "response", runID)
	}
	if st.step < len(st.script.Statuses)-1 {
		st.step++
		c.apply(st)
	}
	return c.snapshot(st), nil
}

// GetContainerFile implements remote.Client.
func (c *Client) GetContainerFile(ctx context.Context, containerID, fileID string) (*remote.FileMetadata, error) {
	if err := c.check(ctx, "GetContainerFile"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fileKey{containerID, fileID}]
	if !ok {
		return nil, notFound("containers.files.retrieve", "container file", containerID+"/"+fileID)
	}
	meta := f.meta
	return &meta, nil
}

// GetContainerFileContent implements remote.Client.
func (c *Client) GetContainerFileContent(ctx context.Context, containerID, fileID string) (*remote.FileContent, error) {
	if err := c.check(ctx, "GetContainerFileContent"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fileKey{containerID, fileID}]
	if !ok {
		return nil, notFound("containers.files.content", "container file", containerID+"/"+fileID)
	}
	return &remote.FileContent{Data: append([]byte(nil), f.data...), ContentType: f.contentType}, nil
}

// UploadFile implements remote.FileUploader.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (*remote.UploadedFile, error) {
	if err := c.check(ctx, "UploadFile"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	u := remote.UploadedFile{ID: "file-" + uuid.NewString(), Filename: filename, Bytes: int64(len(data))}
	c.uploads[u.ID] = u
	return &u, nil
}

// GetAssistant implements remote.AssistantManager.
func (c *Client) GetAssistant(ctx context.Context, assistantID string) (*remote.Assistant, error) {
	if err := c.check(ctx, "GetAssistant"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assistants[assistantID]
	if !ok {
		return nil, notFound("assistants.retrieve", "assistant", assistantID)
	}
	return &a, nil
}

// CreateAssistant implements remote.AssistantManager.
func (c *Client) CreateAssistant(ctx context.Context, spec remote.AssistantSpec) (*remote.Assistant, error) {
	if err := c.check(ctx, "CreateAssistant"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a := remote.Assistant{ID: "asst_" + uuid.NewString(), Name: spec.Name, Model: spec.Model}
	c.assistants[a.ID] = a
	return &a, nil
}

// apply sets the run status of the current step. Completing a run records
// the exchange in the conversation history.
func (c *Client) apply(st *runState) {
	st.run.Status = st.script.Statuses[st.step]
	switch st.run.Status {
	case remote.StatusFailed:
		st.run.LastError = st.script.LastError
	case remote.StatusCompleted:
		if st.run.Raw != nil {
			return
		}
		st.run.Raw = st.script.Output
		if st.run.Raw == nil {
			st.run.Raw = echoOutput(st.run.ID, st.prompt)
		}
		c.record(st)
	}
}

func (c *Client) record(st *runState) {
	items := c.conversations[st.run.SessionID]
	user, _ := json.Marshal(map[string]any{
		"type":    "message",
		"role":    "user",
		"content": []any{map[string]any{"type": "input_text", "text": st.prompt}},
	})
	items = append(items, remote.ConversationItem{
		ID: "msg_" + uuid.NewString(), Type: "message", Role: "user", CreatedAt: st.run.CreatedAt, Raw: user,
	})
	gjson.GetBytes(st.run.Raw, "output").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "message" {
			return true
		}
		items = append(items, remote.ConversationItem{
			ID:        block.Get("id").String(),
			Type:      "message",
			Role:      block.Get("role").String(),
			CreatedAt: c.now(),
			Raw:       []byte(block.Raw),
		})
		return true
	})
	c.conversations[st.run.SessionID] = items
}

func (c *Client) snapshot(st *runState) *remote.Run {
	r := st.run
	r.Tools = append([]remote.Tool(nil), st.run.Tools...)
	return &r
}

func (c *Client) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if errs := c.failures[op]; len(errs) > 0 {
		c.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func echoOutput(runID, prompt string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"id":     runID,
		"status": "completed",
		"output": []any{map[string]any{
			"id":   "msg_" + uuid.NewString(),
			"type": "message",
			"role": "assistant",
			"content": []any{map[string]any{
				"type": "output_text",
				"text": fmt.Sprintf("echo: %s", prompt),
			}},
		}},
	})
	return raw
}

func promptText(blocks []remote.InputBlock) string {
	var s string
	for _, b := range blocks {
		for _, p := range b.Content {
			s += p.Text
		}
	}
	return s
}

func notFound(op, what, id string) error {
	return remote.NewError(providerName, op, http.StatusNotFound, remote.ErrorKindNotFound,
		"not_found", fmt.Sprintf("no %s with id %q", what, id), "", nil)
}
