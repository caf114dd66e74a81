// Package provision makes sure a remote assistant exists for the relay and
// persists its id in the configuration store.
package provision

import (
	"context"
	"fmt"

	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/configstore"
	"goa.design/coderelay/runtime/relayerrors"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

const (
	// DefaultAssistantName names provisioned assistants.
	DefaultAssistantName = "Code Interpreter Explorer"
	// DefaultModel is the model of provisioned assistants.
	DefaultModel = "gpt-4.1"
	// DefaultInstructions are the system instructions of provisioned
	// assistants.
	DefaultInstructions = `You are a helpful AI assistant with access to a Python code interpreter.
You can analyze data, create visualizations, perform mathematical computations, and work with files.
Always explain your process and provide clear, detailed responses.
When creating visualizations, save them as files so users can download them.`
)

type (
	// Provisioner resolves the assistant id used by the relay.
	Provisioner struct {
		store   configstore.Store
		manager remote.AssistantManager
		spec    remote.AssistantSpec
		policy  backoff.Policy
		logger  telemetry.Logger
	}

	// Options configures a Provisioner.
	Options struct {
		// Spec describes assistants created by the provisioner. Empty fields
		// take the package defaults.
		Spec   remote.AssistantSpec
		Policy *backoff.Policy
		Logger telemetry.Logger
	}

	// Status describes the stored assistant id and its remote state.
	Status struct {
		// StoredID is the id read from the store, empty when none is stored.
		StoredID string
		// Supported reports whether the backend manages assistants.
		Supported bool
		// Assistant is the remote assistant when it could be retrieved.
		Assistant *remote.Assistant
		// LookupError is the error returned by the remote lookup, if any.
		LookupError error
	}
)

// New returns a Provisioner persisting ids in store. Backends that do not
// manage assistants are accepted: Ensure then only reports the stored id.
func New(store configstore.Store, client remote.Client, opts Options) *Provisioner {
	manager, _ := remote.As[remote.AssistantManager](client)
	spec := opts.Spec
	if spec.Name == "" {
		spec.Name = DefaultAssistantName
	}
	if spec.Model == "" {
		spec.Model = DefaultModel
	}
	if spec.Instructions == "" {
		spec.Instructions = DefaultInstructions
	}
	if len(spec.Tools) == 0 {
		spec.Tools = []remote.Tool{{"type": "code_interpreter"}}
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
	return &Provisioner{store: store, manager: manager, spec: spec, policy: policy, logger: logger}
}

// Ensure returns the stored assistant id after verifying it still exists
// remotely. A missing or stale id is replaced by a newly created assistant.
func (p *Provisioner) Ensure(ctx context.Context) (string, error) {
	id, ok, err := configstore.Lookup(ctx, p.store, configstore.AssistantIDKey)
	if err != nil {
		return "", fmt.Errorf("read assistant id: %w", err)
	}
	if p.manager == nil {
		return id, nil
	}
	if ok {
		_, err := backoff.Call(ctx, p.policy, func(ctx context.Context) (*remote.Assistant, error) {
			return p.manager.GetAssistant(ctx, id)
		})
		if err == nil {
			p.logger.Info(ctx, "using existing assistant", "assistant_id", id)
			return id, nil
		}
		p.logger.Warn(ctx, "stored assistant not found remotely, creating a new one", "assistant_id", id, "err", err)
	}
	return p.Recreate(ctx)
}

// Recreate creates a new remote assistant and stores its id.
func (p *Provisioner) Recreate(ctx context.Context) (string, error) {
	if p.manager == nil {
		return "", relayerrors.New(relayerrors.KindUnsupportedBackend, "assistant.create",
			"remote client does not manage assistants")
	}
	a, err := backoff.Call(ctx, p.policy, func(ctx context.Context) (*remote.Assistant, error) {
		return p.manager.CreateAssistant(ctx, p.spec)
	})
	if err != nil {
		return "", relayerrors.FromRemote("assistant.create", err)
	}
	if err := p.store.Set(ctx, configstore.AssistantIDKey, a.ID); err != nil {
		return "", fmt.Errorf("store assistant id: %w", err)
	}
	p.logger.Info(ctx, "created assistant", "assistant_id", a.ID, "model", a.Model)
	return a.ID, nil
}

// Check reports the stored assistant id and whether it resolves remotely. It
// never modifies the store.
func (p *Provisioner) Check(ctx context.Context) (*Status, error) {
	id, _, err := configstore.Lookup(ctx, p.store, configstore.AssistantIDKey)
	if err != nil {
		return nil, fmt.Errorf("read assistant id: %w", err)
	}
	st := &Status{StoredID: id, Supported: p.manager != nil}
	if id == "" || p.manager == nil {
		return st, nil
	}
	st.Assistant, st.LookupError = p.manager.GetAssistant(ctx, id)
	return st, nil
}
