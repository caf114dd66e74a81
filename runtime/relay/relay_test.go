package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/coderelay/features/remote/inmem"
	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/output"
	"goa.design/coderelay/runtime/relayerrors"
	"goa.design/coderelay/runtime/remote"
)

const plotOutput = `{
	"output": [
		{"type": "code_interpreter_call", "container_id": "cntr_1"},
		{"type": "message", "role": "assistant", "content": [
			{"type": "output_text", "text": "Result: 42"},
			{"type": "image_file", "image_file": {"file_id": "f1", "filename": "plot.png"}}
		]}
	]
}`

func newService(t *testing.T, client remote.Client, cfg Config) *Service {
	t.Helper()
	p := backoff.DefaultPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	svc, err := New(client, cfg, Options{Policy: &p})
	require.NoError(t, err)
	return svc
}

func TestChatWithCodeInterpreter(t *testing.T) {
	client := inmem.New(inmem.WithScript(inmem.Script{
		Statuses: []remote.Status{remote.StatusQueued, remote.StatusInProgress, remote.StatusInProgress, remote.StatusCompleted},
		Output:   []byte(plotOutput),
	}))
	svc := newService(t, client, Config{AssistantID: "asst_1", Model: "gpt-4.1"})

	reply, err := svc.Chat(context.Background(), ChatRequest{Message: "Compute 6*7 and plot it", UseCodeInterpreter: true})
	require.NoError(t, err)
	require.NotEmpty(t, reply.SessionID)
	require.Equal(t, "Result: 42", reply.Text)
	require.Len(t, reply.Annotations, 1)
	require.Equal(t, output.KindImage, reply.Annotations[0].Kind)
	require.Equal(t, "f1", reply.Annotations[0].FileID)
	require.Equal(t, "plot.png", reply.Annotations[0].Filename)
	require.Equal(t, []FileRef{{FileID: "f1", Kind: output.KindImage, ContainerID: "cntr_1"}}, reply.Files)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "gpt-4.1", reqs[0].Model)
	require.Equal(t, map[string]string{"assistant_id": "asst_1"}, reqs[0].Metadata)
	require.Equal(t, "code_interpreter", reqs[0].Tools[0].Type())
	require.Equal(t, reply.SessionID, reqs[0].SessionID)
}

func TestChatContinuesSession(t *testing.T) {
	client := inmem.New()
	svc := newService(t, client, Config{})
	ctx := context.Background()

	sid, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	reply, err := svc.Chat(ctx, ChatRequest{Message: "hello", SessionID: sid})
	require.NoError(t, err)
	require.Equal(t, sid, reply.SessionID)
	require.Equal(t, "echo: hello", reply.Text)
	require.Empty(t, client.Requests()[0].Tools)
	require.Nil(t, client.Requests()[0].Metadata)

	msgs, err := svc.ListMessages(ctx, sid)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Text)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "echo: hello", msgs[1].Text)
}

func TestChatFailedRunReturnsNoText(t *testing.T) {
	client := inmem.New(inmem.WithScript(inmem.Script{
		Statuses:  []remote.Status{remote.StatusQueued, remote.StatusFailed},
		LastError: &remote.RunError{Code: "server_error", Message: "internal failure"},
	}))
	svc := newService(t, client, Config{})

	reply, err := svc.Chat(context.Background(), ChatRequest{Message: "hi"})
	require.Nil(t, reply)
	require.True(t, relayerrors.Is(err, relayerrors.KindRemoteFailure))
	require.Contains(t, err.Error(), "server_error")
}

func TestChatValidatesMessage(t *testing.T) {
	svc := newService(t, inmem.New(), Config{})
	_, err := svc.Chat(context.Background(), ChatRequest{})
	require.True(t, relayerrors.Is(err, relayerrors.KindInvalidRequest))
}

func TestAnalyzeMountsFilesInContainer(t *testing.T) {
	client := inmem.New()
	svc := newService(t, client, Config{})
	ctx := context.Background()

	up, err := svc.Upload(ctx, "sales.csv", strings.NewReader(strings.Repeat("date,qty\n", 100)))
	require.NoError(t, err)
	require.Equal(t, "sales.csv", up.Filename)
	require.Equal(t, "text", up.Tokens.Type)
	require.Equal(t, 225, up.Tokens.Tokens)

	_, err = svc.Analyze(ctx, AnalyzeRequest{Prompt: "Summarize", FileIDs: []string{up.FileID}})
	require.NoError(t, err)
	tool := client.Requests()[0].Tools[0]
	require.Equal(t, "code_interpreter", tool.Type())
	require.Equal(t, []string{up.FileID}, tool["container"].(map[string]any)["file_ids"])

	_, err = svc.Analyze(ctx, AnalyzeRequest{})
	require.True(t, relayerrors.Is(err, relayerrors.KindInvalidRequest))
}

func TestRunExample(t *testing.T) {
	client := inmem.New()
	svc := newService(t, client, Config{})

	_, err := svc.RunExample(context.Background(), "math-computation")
	require.NoError(t, err)
	require.Contains(t, client.Requests()[0].Input[0].Content[0].Text, "Fibonacci")

	_, err = svc.RunExample(context.Background(), "unknown")
	require.True(t, relayerrors.Is(err, relayerrors.KindNotFound))
	require.Equal(t, []string{"data-analysis", "image-generation", "math-computation"}, ExampleNames())
}

func TestFetchFile(t *testing.T) {
	client := inmem.New()
	client.AddContainerFile("cntr_1", remote.FileMetadata{ID: "cfile_1", Path: "/sandbox/out/chart.png"}, []byte("png"), "image/png")
	svc := newService(t, client, Config{})

	f, err := svc.FetchFile(context.Background(), "cfile_1", "cntr_1")
	require.NoError(t, err)
	require.Equal(t, "chart.png", f.Name)
	require.Equal(t, "image/png", f.ContentType)

	_, err = svc.FetchFile(context.Background(), "cfile_2", "cntr_1")
	require.True(t, relayerrors.Is(err, relayerrors.KindNotFound))
}

func TestNewRequiresConversationSupport(t *testing.T) {
	_, err := New(runOnly{}, Config{}, Options{})
	require.True(t, relayerrors.Is(err, relayerrors.KindUnsupportedBackend))
}

type runOnly struct{ remote.Client }
