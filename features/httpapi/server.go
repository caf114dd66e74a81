// Package httpapi exposes the relay operations over HTTP. Routes are mounted
// on a goa muxer; JSON payloads are validated against embedded JSON schemas
// and relay errors are mapped to status codes with a body telling clients
// whether to try again later.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"goa.design/clue/health"
	goahttp "goa.design/goa/v3/http"

	"goa.design/coderelay/runtime/files"
	"goa.design/coderelay/runtime/output"
	"goa.design/coderelay/runtime/relay"
	"goa.design/coderelay/runtime/relayerrors"
	"goa.design/coderelay/runtime/telemetry"
	"goa.design/coderelay/runtime/tokens"
)

// MaxUploadSize bounds multipart upload bodies.
const MaxUploadSize = 512 << 20

type (
	// Relay is the set of operations served by the API. *relay.Service
	// implements it.
	Relay interface {
		CreateSession(ctx context.Context) (string, error)
		Chat(ctx context.Context, req relay.ChatRequest) (*relay.Reply, error)
		Analyze(ctx context.Context, req relay.AnalyzeRequest) (*relay.Reply, error)
		RunExample(ctx context.Context, name string) (*relay.Reply, error)
		Upload(ctx context.Context, filename string, content io.Reader) (*relay.Upload, error)
		FetchFile(ctx context.Context, fileID, containerID string) (*files.File, error)
		ListMessages(ctx context.Context, sessionID string) ([]relay.Message, error)
	}

	// Options configures a Server.
	Options struct {
		// Checker backs the /livez endpoint. The endpoint is not mounted when
		// nil.
		Checker health.Checker
		Logger  telemetry.Logger
	}

	// Server serves the relay HTTP API.
	Server struct {
		relay     Relay
		checker   health.Checker
		validator *validator
		logger    telemetry.Logger
	}

	// ThreadResponse is the body returned by chat, analyze and example
	// requests.
	ThreadResponse struct {
		ThreadID    string              `json:"thread_id"`
		Message     string              `json:"message"`
		Files       []FileBody          `json:"files"`
		Annotations []output.Annotation `json:"annotations"`
	}

	// FileBody references a generated file.
	FileBody struct {
		FileID      string `json:"file_id"`
		Type        string `json:"type"`
		ContainerID string `json:"container_id,omitempty"`
	}

	// UploadResponse describes an uploaded file.
	UploadResponse struct {
		FileID   string              `json:"file_id"`
		Filename string              `json:"filename"`
		Status   string              `json:"status"`
		Tokens   tokens.FileEstimate `json:"tokens"`
	}

	// MessagesResponse lists the history of a thread.
	MessagesResponse struct {
		ThreadID string        `json:"thread_id"`
		Messages []MessageBody `json:"messages"`
	}

	// MessageBody is one history entry.
	MessageBody struct {
		ID          string              `json:"id"`
		Role        string              `json:"role"`
		Text        string              `json:"text"`
		Annotations []output.Annotation `json:"annotations"`
		CreatedAt   string              `json:"created_at,omitempty"`
	}

	chatPayload struct {
		Message            string `json:"message"`
		ThreadID           string `json:"thread_id"`
		UseCodeInterpreter *bool  `json:"use_code_interpreter"`
	}

	analyzePayload struct {
		Prompt   string   `json:"prompt"`
		FileIDs  []string `json:"file_ids"`
		ThreadID string   `json:"thread_id"`
	}
)

// New returns a Server serving r.
func New(r Relay, opts Options) (*Server, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{relay: r, checker: opts.Checker, validator: v, logger: logger}, nil
}

// Mount registers the API routes on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodGet, "/", s.root)
	mux.Handle(http.MethodPost, "/api/thread/create", s.createThread)
	mux.Handle(http.MethodPost, "/api/chat", s.chat)
	mux.Handle(http.MethodPost, "/api/analyze", s.analyze)
	mux.Handle(http.MethodPost, "/api/upload", s.upload)
	mux.Handle(http.MethodGet, "/api/file/{file_id}", s.file)
	mux.Handle(http.MethodGet, "/api/thread/{thread_id}/messages", s.messages)
	mux.Handle(http.MethodPost, "/api/examples/{name}", s.example)
	if s.checker != nil {
		mux.Handle(http.MethodGet, "/livez", health.Handler(s.checker))
	}
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, map[string]string{"message": "Code Interpreter Relay API"})
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := s.relay.CreateSession(ctx)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, map[string]string{"thread_id": id, "status": "created"})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p chatPayload
	if err := s.decode(r, "chat.json", &p); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	useCI := true
	if p.UseCodeInterpreter != nil {
		useCI = *p.UseCodeInterpreter
	}
	reply, err := s.relay.Chat(ctx, relay.ChatRequest{Message: p.Message, SessionID: p.ThreadID, UseCodeInterpreter: useCI})
	s.reply(ctx, w, reply, err)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var p analyzePayload
	if err := s.decode(r, "analyze.json", &p); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	reply, err := s.relay.Analyze(ctx, relay.AnalyzeRequest{Prompt: p.Prompt, FileIDs: p.FileIDs, SessionID: p.ThreadID})
	s.reply(ctx, w, reply, err)
}

func (s *Server) example(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reply, err := s.relay.RunExample(ctx, goahttp.Vars(r)["name"])
	s.reply(ctx, w, reply, err)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	f, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(ctx, w, relayerrors.Wrap(relayerrors.KindInvalidRequest, "upload", err))
		return
	}
	defer func() { _ = f.Close() }()
	up, err := s.relay.Upload(ctx, header.Filename, f)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.encode(ctx, w, http.StatusOK, UploadResponse{
		FileID:   up.FileID,
		Filename: up.Filename,
		Status:   "uploaded",
		Tokens:   up.Tokens,
	})
}

func (s *Server) file(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := s.relay.FetchFile(ctx, goahttp.Vars(r)["file_id"], r.URL.Query().Get("container_id"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", f.ContentType)
	h.Set("Content-Disposition", files.ContentDisposition(f.Name))
	h.Set("Content-Length", strconv.Itoa(len(f.Data)))
	h.Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(f.Data); err != nil {
		s.logger.Warn(ctx, "failed to write file", "file_id", f.ID, "err", err)
	}
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := goahttp.Vars(r)["thread_id"]
	msgs, err := s.relay.ListMessages(ctx, id)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	res := MessagesResponse{ThreadID: id, Messages: make([]MessageBody, 0, len(msgs))}
	for _, m := range msgs {
		body := MessageBody{ID: m.ID, Role: m.Role, Text: m.Text, Annotations: annotations(m.Annotations)}
		if !m.CreatedAt.IsZero() {
			body.CreatedAt = m.CreatedAt.Format(time.RFC3339)
		}
		res.Messages = append(res.Messages, body)
	}
	s.encode(ctx, w, http.StatusOK, res)
}

func (s *Server) reply(ctx context.Context, w http.ResponseWriter, reply *relay.Reply, err error) {
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	res := ThreadResponse{
		ThreadID:    reply.SessionID,
		Message:     reply.Text,
		Files:       make([]FileBody, 0, len(reply.Files)),
		Annotations: annotations(reply.Annotations),
	}
	for _, f := range reply.Files {
		res.Files = append(res.Files, FileBody{FileID: f.FileID, Type: string(f.Kind), ContainerID: f.ContainerID})
	}
	s.encode(ctx, w, http.StatusOK, res)
}

// decode reads a JSON payload, validates it against schema and unmarshals it
// into v. Failures are invalid request errors.
func (s *Server) decode(r *http.Request, schema string, v any) error {
	var raw json.RawMessage
	if err := goahttp.RequestDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return relayerrors.New(relayerrors.KindInvalidRequest, "decode", "request body is required")
		}
		return relayerrors.Wrap(relayerrors.KindInvalidRequest, "decode", err)
	}
	if err := s.validator.validate(schema, raw); err != nil {
		return relayerrors.Wrap(relayerrors.KindInvalidRequest, "validate", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return relayerrors.Wrap(relayerrors.KindInvalidRequest, "decode", err)
	}
	return nil
}

func annotations(a []output.Annotation) []output.Annotation {
	if a == nil {
		return []output.Annotation{}
	}
	return a
}
