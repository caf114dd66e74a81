// Package openai provides a remote.Client implementation backed by the OpenAI
// Conversations and Responses APIs. Runs are submitted in background mode so
// that the relay orchestrator polls them to completion. Files produced by the
// code interpreter tool are read from its containers, user uploads go to the
// Files API and assistants are managed through the Assistants API.
//
// The SDK retry loop is disabled: the relay backoff executor is the single
// retry policy. SDK errors are translated into remote.Error values.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"goa.design/coderelay/runtime/remote"
)

const providerName = "openai"

// DefaultModel is used when neither the options nor the request name a model.
const DefaultModel = "gpt-4.1"

type (
	// API captures the subset of the openai-go client used by the adapter.
	// *openai.Client satisfies it.
	API interface {
		Get(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
		Post(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
	}

	// FilesAPI captures the file upload endpoint of the openai-go client.
	FilesAPI interface {
		New(ctx context.Context, body openai.FileNewParams, opts ...option.RequestOption) (*openai.FileObject, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		API   API
		Files FilesAPI
		// DefaultModel applies to runs that do not name a model.
		DefaultModel string
		// Foreground disables background mode. Run creation then blocks until
		// the response is complete.
		Foreground bool
	}

	// ClientOptions configures NewFromAPIKey.
	ClientOptions struct {
		APIKey       string
		BaseURL      string
		DefaultModel string
		HTTPClient   *http.Client
	}

	// Client implements remote.Client and the optional conversation, upload
	// and assistant capabilities.
	Client struct {
		api        API
		files      FilesAPI
		model      string
		background bool
	}
)

var assistantsBeta = option.WithHeader("OpenAI-Beta", "assistants=v2")

// New builds an OpenAI-backed remote client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.API == nil {
		return nil, errors.New("openai api client is required")
	}
	model := opts.DefaultModel
	if model == "" {
		model = DefaultModel
	}
	return &Client{api: opts.API, files: opts.Files, model: model, background: !opts.Foreground}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(opts ClientOptions) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	c := openai.NewClient(reqOpts...)
	return New(Options{API: &c, Files: &c.Files, DefaultModel: opts.DefaultModel})
}

// CreateConversation creates an empty conversation.
func (c *Client) CreateConversation(ctx context.Context) (*remote.Conversation, error) {
	var raw []byte
	if err := c.api.Post(ctx, "conversations", json.RawMessage(`{}`), &raw); err != nil {
		return nil, translateError("conversations.create", err)
	}
	doc := gjson.ParseBytes(raw)
	id := doc.Get("id").String()
	if id == "" {
		return nil, malformed("conversations.create", "missing conversation id")
	}
	return &remote.Conversation{ID: id, CreatedAt: unixTime(doc.Get("created_at"))}, nil
}

// CreateRun submits a response against the request conversation.
func (c *Client) CreateRun(ctx context.Context, req remote.CreateRunRequest) (*remote.Run, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body := map[string]any{
		"model": model,
		"input": req.Input,
	}
	if req.SessionID != "" {
		body["conversation"] = req.SessionID
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	if c.background {
		body["background"] = true
		body["store"] = true
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: encode run request: %w", err)
	}
	var raw []byte
	if err := c.api.Post(ctx, "responses", json.RawMessage(payload), &raw); err != nil {
		return nil, translateError("responses.create", err)
	}
	run, err := decodeRun("responses.create", raw)
	if err != nil {
		return nil, err
	}
	if run.SessionID == "" {
		run.SessionID = req.SessionID
	}
	return run, nil
}

// GetRun retrieves a response by id.
func (c *Client) GetRun(ctx context.Context, runID string) (*remote.Run, error) {
	var raw []byte
	if err := c.api.Get(ctx, "responses/"+url.PathEscape(runID), nil, &raw); err != nil {
		return nil, translateError("responses.get", err)
	}
	return decodeRun("responses.get", raw)
}

// GetContainerFile retrieves the metadata of a code interpreter container
// file.
func (c *Client) GetContainerFile(ctx context.Context, containerID, fileID string) (*remote.FileMetadata, error) {
	var raw []byte
	if err := c.api.Get(ctx, containerFilePath(containerID, fileID), nil, &raw); err != nil {
		return nil, translateError("containers.files.get", err)
	}
	doc := gjson.ParseBytes(raw)
	return &remote.FileMetadata{
		ID:          doc.Get("id").String(),
		ContainerID: doc.Get("container_id").String(),
		Path:        doc.Get("path").String(),
		Filename:    doc.Get("filename").String(),
		Name:        doc.Get("name").String(),
		Bytes:       doc.Get("bytes").Int(),
		CreatedAt:   unixTime(doc.Get("created_at")),
	}, nil
}

// GetContainerFileContent retrieves the bytes of a container file.
func (c *Client) GetContainerFileContent(ctx context.Context, containerID, fileID string) (*remote.FileContent, error) {
	var (
		data []byte
		resp *http.Response
	)
	err := c.api.Get(ctx, containerFilePath(containerID, fileID)+"/content", nil, &data,
		option.WithHeader("Accept", "application/binary"),
		option.WithResponseInto(&resp))
	if err != nil {
		return nil, translateError("containers.files.content", err)
	}
	content := &remote.FileContent{Data: data}
	if resp != nil {
		content.ContentType = resp.Header.Get("Content-Type")
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
			content.Filename = params["filename"]
		}
	}
	return content, nil
}

// UploadFile stores content in the Files API for use by the code interpreter.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (*remote.UploadedFile, error) {
	if c.files == nil {
		return nil, remote.NewError(providerName, "files.create", 0, remote.ErrorKindInvalidRequest,
			"", "file uploads are not configured", "", remote.ErrUnsupported)
	}
	f, err := c.files.New(ctx, openai.FileNewParams{
		File:    openai.File(content, filename, ""),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return nil, translateError("files.create", err)
	}
	name := f.Filename
	if name == "" {
		name = filename
	}
	return &remote.UploadedFile{ID: f.ID, Filename: name, Bytes: f.Bytes}, nil
}

// ListConversationItems returns every item of a conversation in creation
// order, following pagination.
func (c *Client) ListConversationItems(ctx context.Context, conversationID string) ([]remote.ConversationItem, error) {
	var (
		items []remote.ConversationItem
		after string
	)
	for {
		q := url.Values{"order": {"asc"}, "limit": {"100"}}
		if after != "" {
			q.Set("after", after)
		}
		path := "conversations/" + url.PathEscape(conversationID) + "/items?" + q.Encode()
		var raw []byte
		if err := c.api.Get(ctx, path, nil, &raw); err != nil {
			return nil, translateError("conversations.items.list", err)
		}
		page := gjson.ParseBytes(raw)
		page.Get("data").ForEach(func(_, item gjson.Result) bool {
			items = append(items, remote.ConversationItem{
				ID:        item.Get("id").String(),
				Type:      item.Get("type").String(),
				Role:      item.Get("role").String(),
				CreatedAt: unixTime(item.Get("created_at")),
				Raw:       []byte(item.Raw),
			})
			return true
		})
		after = page.Get("last_id").String()
		if !page.Get("has_more").Bool() || after == "" {
			return items, nil
		}
	}
}

// GetAssistant retrieves an assistant by id.
func (c *Client) GetAssistant(ctx context.Context, assistantID string) (*remote.Assistant, error) {
	var raw []byte
	if err := c.api.Get(ctx, "assistants/"+url.PathEscape(assistantID), nil, &raw, assistantsBeta); err != nil {
		return nil, translateError("assistants.get", err)
	}
	return decodeAssistant(raw), nil
}

// CreateAssistant creates an assistant from spec.
func (c *Client) CreateAssistant(ctx context.Context, spec remote.AssistantSpec) (*remote.Assistant, error) {
	tools := make([]map[string]any, 0, len(spec.Tools))
	for _, t := range spec.Tools {
		// Assistants accept the bare tool type; container settings belong to
		// the Responses API.
		tools = append(tools, map[string]any{"type": t.Type()})
	}
	payload, err := json.Marshal(map[string]any{
		"name":         spec.Name,
		"instructions": spec.Instructions,
		"model":        spec.Model,
		"tools":        tools,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: encode assistant: %w", err)
	}
	var raw []byte
	if err := c.api.Post(ctx, "assistants", json.RawMessage(payload), &raw, assistantsBeta); err != nil {
		return nil, translateError("assistants.create", err)
	}
	a := decodeAssistant(raw)
	if a.ID == "" {
		return nil, malformed("assistants.create", "missing assistant id")
	}
	return a, nil
}

func decodeRun(op string, raw []byte) (*remote.Run, error) {
	if !gjson.ValidBytes(raw) {
		return nil, malformed(op, "invalid response body")
	}
	doc := gjson.ParseBytes(raw)
	id := doc.Get("id").String()
	if id == "" {
		return nil, malformed(op, "missing response id")
	}
	run := &remote.Run{
		ID:        id,
		SessionID: conversationID(doc.Get("conversation")),
		Status:    runStatus(doc.Get("status").String()),
		Model:     doc.Get("model").String(),
		CreatedAt: unixTime(doc.Get("created_at")),
		Raw:       raw,
	}
	doc.Get("tools").ForEach(func(_, t gjson.Result) bool {
		var tool remote.Tool
		if json.Unmarshal([]byte(t.Raw), &tool) == nil {
			run.Tools = append(run.Tools, tool)
		}
		return true
	})
	if e := doc.Get("error"); e.IsObject() {
		run.LastError = &remote.RunError{Code: e.Get("code").String(), Message: e.Get("message").String()}
	}
	return run, nil
}

// runStatus maps response statuses onto run statuses. An incomplete response
// carries usable output and is treated as completed.
func runStatus(s string) remote.Status {
	switch s {
	case "incomplete":
		return remote.StatusCompleted
	case "canceled":
		return remote.StatusCancelled
	default:
		return remote.Status(s)
	}
}

// conversationID accepts both the string and the object forms of the
// conversation field.
func conversationID(v gjson.Result) string {
	if v.IsObject() {
		return v.Get("id").String()
	}
	return v.String()
}

func decodeAssistant(raw []byte) *remote.Assistant {
	doc := gjson.ParseBytes(raw)
	return &remote.Assistant{
		ID:    doc.Get("id").String(),
		Name:  doc.Get("name").String(),
		Model: doc.Get("model").String(),
	}
}

func containerFilePath(containerID, fileID string) string {
	return "containers/" + url.PathEscape(containerID) + "/files/" + url.PathEscape(fileID)
}

func unixTime(v gjson.Result) time.Time {
	if !v.Exists() || v.Int() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int(), 0).UTC()
}

func malformed(op, msg string) error {
	return remote.NewError(providerName, op, 0, remote.ErrorKindUnknown, "", msg, "", nil)
}

// translateError converts openai-go errors into remote.Error values. Context
// errors are returned unchanged.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return remote.NewError(providerName, op, 0, remote.ErrorKindUnavailable, "", err.Error(), "", err)
	}
	var requestID string
	if apiErr.Response != nil {
		requestID = apiErr.Response.Header.Get("x-request-id")
	}
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	kind := remote.ClassifyHTTP(apiErr.StatusCode, apiErr.Code)
	return remote.NewError(providerName, op, apiErr.StatusCode, kind, apiErr.Code, msg, requestID, err)
}
