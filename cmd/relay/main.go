// Command relay runs the code interpreter relay HTTP server.
//
// # Configuration
//
// The server reads an optional YAML file given with -config, then applies the
// following environment variables:
//
//	OPENAI_API_KEY             - OpenAI API key (required unless -dev)
//	OPENAI_BASE_URL            - OpenAI API base URL (optional)
//	RELAY_MODEL                - Model used for runs (default: "gpt-4.1")
//	RELAY_HTTP_ADDR            - HTTP listen address (default: ":8000")
//	RELAY_STORE                - Config store: memory, mongo or replicated
//	MONGODB_CONNECTION_STRING  - MongoDB URI for the mongo store
//	MONGODB_DATABASE_NAME      - MongoDB database (default: "code-interpreter-db")
//	MONGODB_COLLECTION_NAME    - MongoDB collection (default: "app_config")
//	REDIS_URL                  - Redis address for the replicated store
//	REDIS_PASSWORD             - Redis password (optional)
//	RELAY_POLL_INTERVAL        - Run poll interval (default: "600ms")
//	RELAY_POLL_TIMEOUT         - Run completion deadline (default: "120s")
//	RELAY_RATE_LIMIT_TPM       - Tokens per minute budget, 0 disables limiting
//	RELAY_MAX_TPM              - Upper bound of the budget recovery (default: the budget)
//
// Flags override both.
//
// # Example
//
// Development mode with the in-memory backend:
//
//	go run ./cmd/relay -dev -debug
//
// Replicated configuration shared by several processes:
//
//	RELAY_STORE=replicated REDIS_URL=redis:6379 ./relay -http-addr :8001
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/coderelay/features/httpapi"
	"goa.design/coderelay/internal/setup"
	"goa.design/coderelay/runtime/provision"
	"goa.design/coderelay/runtime/relay"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
		devF    = flag.Bool("dev", false, "Use the in-memory remote backend")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := setup.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load configuration")
	}
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}
	cfg.Debug = cfg.Debug || *dbgF
	cfg.Dev = cfg.Dev || *devF
	if err := cfg.Validate(); err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr}, log.KV{K: "store", V: cfg.Store.Backend},
		log.KV{K: "dev", V: cfg.Dev})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps, err := setup.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "failed to connect dependencies")
	}
	defer deps.Close(ctx)

	tel := telemetry.NewClueBundle()

	client, err := deps.RemoteClient(ctx, cfg, tel.Metrics)
	if err != nil {
		log.Fatalf(ctx, err, "failed to create remote client")
	}

	assistantID, err := provision.New(deps.Store, client, provision.Options{
		Spec:   remote.AssistantSpec{Model: cfg.OpenAI.Model},
		Logger: tel.Logger,
	}).Ensure(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "failed to provision assistant")
	}

	svc, err := relay.New(client, relay.Config{
		Model:        cfg.OpenAI.Model,
		AssistantID:  assistantID,
		PollInterval: cfg.Run.PollInterval,
		Timeout:      cfg.Run.Timeout,
	}, relay.Options{Telemetry: tel})
	if err != nil {
		log.Fatalf(ctx, err, "failed to create relay service")
	}

	api, err := httpapi.New(svc, httpapi.Options{
		Checker: health.NewChecker(deps.Pingers...),
		Logger:  tel.Logger,
	})
	if err != nil {
		log.Fatalf(ctx, err, "failed to create HTTP API")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	handleHTTPServer(ctx, cfg.HTTPAddr, api, &wg, errc, cfg.Debug)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}
