// Package relay implements the operations exposed to relay clients: session
// creation, chat turns, file analysis, uploads, generated file retrieval and
// conversation history.
//
// Service composes the session resolver, the run orchestrator, the output
// normalizer and the file relay. It holds no per-request state; the assistant
// id and default model are configuration values fixed at construction.
package relay

import (
	"bytes"
	"context"
	"io"
	"time"

	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/files"
	"goa.design/coderelay/runtime/orchestrator"
	"goa.design/coderelay/runtime/output"
	"goa.design/coderelay/runtime/relayerrors"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/session"
	"goa.design/coderelay/runtime/telemetry"
	"goa.design/coderelay/runtime/tokens"
)

type (
	// Service implements the relay operations.
	Service struct {
		client   remote.Client
		sessions *session.Resolver
		runs     *orchestrator.Orchestrator
		files    *files.Relay
		policy   backoff.Policy
		cfg      Config
		logger   telemetry.Logger
	}

	// Config holds the values the service is configured with at start-up.
	Config struct {
		// Model overrides the backend default model when set.
		Model string
		// AssistantID is the provisioned assistant id, attached to runs as
		// metadata when set.
		AssistantID string
		// PollInterval defaults to orchestrator.DefaultPollInterval.
		PollInterval time.Duration
		// Timeout defaults to orchestrator.DefaultTimeout.
		Timeout time.Duration
	}

	// Options configures the collaborators of the service.
	Options struct {
		// Policy is the retry policy shared by every remote call.
		Policy    *backoff.Policy
		Telemetry telemetry.Bundle
	}

	// ChatRequest is one chat turn.
	ChatRequest struct {
		Message string
		// SessionID continues an existing session when set.
		SessionID          string
		UseCodeInterpreter bool
	}

	// AnalyzeRequest asks the code interpreter to work on uploaded files.
	AnalyzeRequest struct {
		Prompt string
		// FileIDs are ids returned by Upload. They are mounted in the code
		// interpreter container.
		FileIDs   []string
		SessionID string
	}

	// Reply is the normalized result of a chat turn or analysis.
	Reply struct {
		SessionID   string
		RunID       string
		Text        string
		Files       []FileRef
		Annotations []output.Annotation
	}

	// FileRef identifies a generated file for later retrieval.
	FileRef struct {
		FileID      string
		Kind        output.Kind
		ContainerID string
	}

	// Upload describes an uploaded file.
	Upload struct {
		FileID   string
		Filename string
		Tokens   tokens.FileEstimate
	}

	// Message is one normalized conversation history entry.
	Message struct {
		ID          string
		Role        string
		Text        string
		Annotations []output.Annotation
		CreatedAt   time.Time
	}
)

// New returns a Service backed by client. It fails with an unsupported
// backend error when client cannot create conversations.
func New(client remote.Client, cfg Config, opts Options) (*Service, error) {
	tel := opts.Telemetry.WithDefaults()
	policy := backoff.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if policy.Logger == nil {
		policy.Logger = tel.Logger
	}
	if policy.Metrics == nil {
		policy.Metrics = tel.Metrics
	}
	sessions, err := session.New(client, session.Options{Policy: &policy, Logger: tel.Logger})
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = orchestrator.DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = orchestrator.DefaultTimeout
	}
	return &Service{
		client:   client,
		sessions: sessions,
		runs:     orchestrator.New(client, orchestrator.Options{Policy: &policy, Telemetry: tel}),
		files:    files.New(client, files.Options{Policy: &policy, Telemetry: tel}),
		policy:   policy,
		cfg:      cfg,
		logger:   tel.Logger,
	}, nil
}

// CreateSession creates a new remote conversation.
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	return s.sessions.Create(ctx)
}

// Chat runs one chat turn, continuing req.SessionID when set.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*Reply, error) {
	if req.Message == "" {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "chat", "message is required")
	}
	var tools []remote.Tool
	if req.UseCodeInterpreter {
		tools = append(tools, remote.CodeInterpreter())
	}
	return s.execute(ctx, req.SessionID, req.Message, tools)
}

// Analyze runs prompt with the code interpreter and the given files mounted
// in its container.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (*Reply, error) {
	if req.Prompt == "" {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "analyze", "prompt is required")
	}
	for _, id := range req.FileIDs {
		if id == "" {
			return nil, relayerrors.New(relayerrors.KindInvalidRequest, "analyze", "file ids must not be empty")
		}
	}
	return s.execute(ctx, req.SessionID, req.Prompt, []remote.Tool{remote.CodeInterpreter(req.FileIDs...)})
}

// RunExample runs the canned example prompt registered under name.
func (s *Service) RunExample(ctx context.Context, name string) (*Reply, error) {
	prompt, ok := ExamplePrompt(name)
	if !ok {
		return nil, relayerrors.Newf(relayerrors.KindNotFound, "example", "unknown example %q", name)
	}
	return s.Analyze(ctx, AnalyzeRequest{Prompt: prompt})
}

// FetchFile retrieves a generated file from the container that produced it.
func (s *Service) FetchFile(ctx context.Context, fileID, containerID string) (*files.File, error) {
	return s.files.Fetch(ctx, fileID, containerID)
}

// Upload forwards content to the remote file storage so it can be mounted in
// code interpreter containers. The returned token estimate helps clients
// anticipate the cost of analyzing the file.
func (s *Service) Upload(ctx context.Context, filename string, content io.Reader) (*Upload, error) {
	if filename == "" {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "upload", "filename is required")
	}
	uploader, ok := remote.As[remote.FileUploader](s.client)
	if !ok {
		return nil, relayerrors.New(relayerrors.KindUnsupportedBackend, "upload", "remote client does not accept uploads")
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, relayerrors.Wrap(relayerrors.KindInvalidRequest, "upload", err)
	}
	uploaded, err := backoff.Call(ctx, s.policy, func(ctx context.Context) (*remote.UploadedFile, error) {
		return uploader.UploadFile(ctx, filename, bytes.NewReader(data))
	})
	if err != nil {
		return nil, relayerrors.FromRemote("upload", err)
	}
	est := tokens.EstimateFile(data, filename)
	s.logger.Info(ctx, "file uploaded", "file_id", uploaded.ID, "filename", filename,
		"bytes", len(data), "tokens", est.Tokens)
	return &Upload{FileID: uploaded.ID, Filename: filename, Tokens: est}, nil
}

// ListMessages returns the normalized history of a session.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if sessionID == "" {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "messages.list", "session id is required")
	}
	lister, ok := remote.As[remote.ConversationLister](s.client)
	if !ok {
		return nil, relayerrors.New(relayerrors.KindUnsupportedBackend, "messages.list", "remote client does not list conversations")
	}
	items, err := backoff.Call(ctx, s.policy, func(ctx context.Context) ([]remote.ConversationItem, error) {
		return lister.ListConversationItems(ctx, sessionID)
	})
	if err != nil {
		return nil, relayerrors.FromRemote("messages.list", err)
	}
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		if item.Type != "" && item.Type != "message" {
			continue
		}
		raw := make([]byte, 0, len(item.Raw)+16)
		raw = append(raw, `{"output":[`...)
		raw = append(raw, item.Raw...)
		raw = append(raw, "]}"...)
		out := output.NormalizeRun("", raw, output.WithLogger(ctx, s.logger))
		msgs = append(msgs, Message{
			ID:          item.ID,
			Role:        item.Role,
			Text:        out.Text,
			Annotations: out.Annotations,
			CreatedAt:   item.CreatedAt,
		})
	}
	return msgs, nil
}

func (s *Service) execute(ctx context.Context, sessionID, prompt string, tools []remote.Tool) (*Reply, error) {
	sid, err := s.sessions.ResolveOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var md map[string]string
	if s.cfg.AssistantID != "" {
		md = map[string]string{"assistant_id": s.cfg.AssistantID}
	}
	res, err := s.runs.Execute(ctx, orchestrator.SubmitRequest{
		SessionID: sid,
		Input:     []remote.InputBlock{remote.UserMessage(prompt)},
		Model:     s.cfg.Model,
		Tools:     tools,
		Metadata:  md,
	}, s.cfg.PollInterval, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	reply := &Reply{
		SessionID:   sid,
		RunID:       res.Run.ID,
		Text:        res.Output.Text,
		Annotations: res.Output.Annotations,
		Files:       []FileRef{},
	}
	for _, a := range res.Output.Files() {
		reply.Files = append(reply.Files, FileRef{FileID: a.FileID, Kind: a.Kind, ContainerID: a.ContainerID})
	}
	return reply, nil
}
