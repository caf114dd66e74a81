package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type baseClient struct{}

func (baseClient) CreateRun(context.Context, CreateRunRequest) (*Run, error) { return nil, nil }
func (baseClient) GetRun(context.Context, string) (*Run, error)             { return nil, nil }
func (baseClient) GetContainerFile(context.Context, string, string) (*FileMetadata, error) {
	return nil, nil
}
func (baseClient) GetContainerFileContent(context.Context, string, string) (*FileContent, error) {
	return nil, nil
}

type conversationalClient struct{ baseClient }

func (conversationalClient) CreateConversation(context.Context) (*Conversation, error) {
	return &Conversation{ID: "conv_1"}, nil
}

type wrapper struct {
	Client
}

func (w wrapper) Unwrap() Client { return w.Client }

func TestAsFindsCapabilityThroughWrappers(t *testing.T) {
	c := wrapper{Client: wrapper{Client: conversationalClient{}}}
	creator, ok := As[ConversationCreator](c)
	require.True(t, ok)
	conv, err := creator.CreateConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, "conv_1", conv.ID)
}

func TestAsReportsMissingCapability(t *testing.T) {
	_, ok := As[ConversationCreator](wrapper{Client: baseClient{}})
	require.False(t, ok)
	_, ok = As[ConversationCreator](nil)
	require.False(t, ok)
}

func TestStatusClassification(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusExpired} {
		require.True(t, s.Terminal(), s)
		require.False(t, s.Pending(), s)
	}
	for _, s := range []Status{StatusQueued, StatusInProgress, StatusRequiresAction} {
		require.False(t, s.Terminal(), s)
		require.True(t, s.Pending(), s)
	}
	require.False(t, Status("incomplete").Known())
}

func TestErrorMatchesRateLimitSentinel(t *testing.T) {
	err := NewError("openai", "responses.create", http.StatusTooManyRequests, ErrorKindRateLimited,
		"rate_limit_exceeded", "Rate limit reached. Please try again in 20ms.", "req_1", nil)
	wrapped := fmt.Errorf("submit: %w", err)
	require.ErrorIs(t, wrapped, ErrRateLimited)
	require.True(t, err.Retryable())
	require.Equal(t, "openai rate_limited 429 (responses.create): rate_limit_exceeded: Rate limit reached. Please try again in 20ms.", err.Error())

	notFound := NewError("openai", "containers.files.get", http.StatusNotFound, ErrorKindNotFound, "", "", "", errors.New("gone"))
	require.NotErrorIs(t, notFound, ErrRateLimited)
	require.False(t, notFound.Retryable())
	require.Contains(t, notFound.Error(), "gone")
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, "", ErrorKindRateLimited},
		{http.StatusBadRequest, "rate_limit_exceeded", ErrorKindRateLimited},
		{http.StatusUnauthorized, "", ErrorKindAuth},
		{http.StatusNotFound, "", ErrorKindNotFound},
		{http.StatusBadGateway, "", ErrorKindUnavailable},
		{http.StatusUnprocessableEntity, "", ErrorKindInvalidRequest},
		{0, "", ErrorKindUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyHTTP(tc.status, tc.code), "status=%d code=%q", tc.status, tc.code)
	}
}

func TestCodeInterpreterCopiesFileIDs(t *testing.T) {
	ids := []string{"file_a", "file_b"}
	tool := CodeInterpreter(ids...)
	ids[0] = "mutated"

	require.Equal(t, "code_interpreter", tool.Type())
	container := tool["container"].(map[string]any)
	require.Equal(t, "auto", container["type"])
	require.Equal(t, []string{"file_a", "file_b"}, container["file_ids"])

	bare := CodeInterpreter()
	_, hasIDs := bare["container"].(map[string]any)["file_ids"]
	require.False(t, hasIDs)
}
