// Package session resolves the remote conversation a request runs against.
//
// A session is only an opaque remote id: nothing is cached or persisted
// locally and the remote service stays authoritative for the conversation
// history.
package session

import (
	"context"

	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/relayerrors"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

type (
	// Resolver returns existing sessions or creates new ones.
	Resolver struct {
		creator remote.ConversationCreator
		policy  backoff.Policy
		logger  telemetry.Logger
	}

	// Options configures a Resolver.
	Options struct {
		// Policy is the retry policy for conversation creation. Defaults to
		// backoff.DefaultPolicy.
		Policy *backoff.Policy
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}
)

// New returns a Resolver backed by client. It fails with an unsupported
// backend error when client cannot create conversations.
func New(client remote.Client, opts Options) (*Resolver, error) {
	creator, ok := remote.As[remote.ConversationCreator](client)
	if !ok {
		return nil, relayerrors.New(relayerrors.KindUnsupportedBackend, "session.new",
			"remote client does not support conversations")
	}
	policy := backoff.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	return &Resolver{creator: creator, policy: policy, logger: logger}, nil
}

// ResolveOrCreate returns existingID unchanged when it is set and creates a
// new remote conversation otherwise.
func (r *Resolver) ResolveOrCreate(ctx context.Context, existingID string) (string, error) {
	if existingID != "" {
		return existingID, nil
	}
	return r.Create(ctx)
}

// Create creates a new remote conversation and returns its id.
func (r *Resolver) Create(ctx context.Context) (string, error) {
	conv, err := backoff.Call(ctx, r.policy, r.creator.CreateConversation)
	if err != nil {
		return "", relayerrors.FromRemote("session.create", err)
	}
	if conv == nil || conv.ID == "" {
		return "", relayerrors.New(relayerrors.KindRemoteFailure, "session.create", "remote returned a conversation without id")
	}
	r.logger.Info(ctx, "session created", "session_id", conv.ID)
	return conv.ID, nil
}
