// Command relayctl administers a relay deployment: it inspects and
// re-provisions the assistant recorded in the configuration store, creates
// sessions and downloads files generated by the code interpreter.
//
// relayctl reads the same configuration file and environment variables as the
// relay server.
package main

import (
	"context"
	"fmt"
	"os"

	"goa.design/clue/log"

	"goa.design/coderelay/internal/setup"
	"goa.design/coderelay/runtime/configstore"
	"goa.design/coderelay/runtime/remote"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := newRootCmd(openBackend).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// backend is the store and remote client commands operate on.
type backend struct {
	store  configstore.Store
	client remote.Client
	cfg    setup.Config
	close  func(context.Context)
}

// opener builds the backend from the configuration file at path.
type opener func(ctx context.Context, path string, dev bool) (*backend, error)

func openBackend(ctx context.Context, path string, dev bool) (*backend, error) {
	cfg, err := setup.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Dev = cfg.Dev || dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps, err := setup.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := deps.RemoteClient(ctx, cfg, nil)
	if err != nil {
		deps.Close(ctx)
		return nil, err
	}
	return &backend{store: deps.Store, client: client, cfg: cfg, close: deps.Close}, nil
}
