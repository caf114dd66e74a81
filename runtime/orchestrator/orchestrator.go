// Package orchestrator drives a remote run from submission to a terminal
// status and turns the terminal state into a normalized output or a
// classified error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/output"
	"goa.design/coderelay/runtime/relayerrors"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

const (
	// DefaultPollInterval is the delay between two run status checks.
	DefaultPollInterval = 600 * time.Millisecond
	// DefaultTimeout bounds the time spent waiting for a run to finish.
	DefaultTimeout = 120 * time.Second
)

type (
	// Orchestrator submits runs and waits for them to complete. It holds no
	// per-run state and is safe for concurrent use.
	Orchestrator struct {
		client  remote.Client
		policy  backoff.Policy
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Options configures an Orchestrator.
	Options struct {
		// Policy is the retry policy applied to every remote call. Defaults
		// to backoff.DefaultPolicy.
		Policy *backoff.Policy
		// Telemetry receives logs, metrics and spans.
		Telemetry telemetry.Bundle
	}

	// SubmitRequest describes a prompt to run against a session.
	SubmitRequest struct {
		SessionID string
		Input     []remote.InputBlock
		Model     string
		Tools     []remote.Tool
		Metadata  map[string]string
	}

	// Result is the outcome of a completed run.
	Result struct {
		Run    *remote.Run
		Output output.Output
	}
)

// New returns an Orchestrator calling client.
func New(client remote.Client, opts Options) *Orchestrator {
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
	return &Orchestrator{
		client:  client,
		policy:  policy,
		logger:  tel.Logger,
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
	}
}

// Submit creates a run. Rate-limited submissions are retried according to the
// orchestrator policy.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*remote.Run, error) {
	if req.SessionID == "" {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "run.submit", "session id is required")
	}
	if len(req.Input) == 0 {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "run.submit", "input is required")
	}
	run, err := backoff.Call(ctx, o.policy, func(ctx context.Context) (*remote.Run, error) {
		return o.client.CreateRun(ctx, remote.CreateRunRequest{
			SessionID: req.SessionID,
			Input:     req.Input,
			Model:     req.Model,
			Tools:     req.Tools,
			Metadata:  req.Metadata,
		})
	})
	if err != nil {
		return nil, relayerrors.FromRemote("run.submit", err)
	}
	if run == nil || run.ID == "" {
		return nil, relayerrors.New(relayerrors.KindRemoteFailure, "run.submit", "remote returned a run without id")
	}
	o.logger.Debug(ctx, "run submitted", "run_id", run.ID, "session_id", req.SessionID, "status", string(run.Status))
	return run, nil
}

// AwaitTerminal polls run every pollInterval until it reaches a terminal
// status. It fails with a timeout error once timeout has elapsed; the run may
// still complete remotely. requires_action is polled like any other pending
// status. Each poll is recorded as an event on the span carried by ctx.
func (o *Orchestrator) AwaitTerminal(ctx context.Context, run *remote.Run, pollInterval, timeout time.Duration) (*remote.Run, error) {
	if run == nil {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "run.await", "run is required")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timedOut := func(cause error) error {
		err := relayerrors.Newf(relayerrors.KindTimeout, "run.await",
			"run %s did not complete within %s (last status %s)", run.ID, timeout, run.Status)
		err.Cause = cause
		return err
	}

	span := o.tracer.Span(ctx)
	polls := 0
	for {
		if run.Status.Terminal() {
			return run, nil
		}
		if !run.Status.Pending() {
			return nil, relayerrors.Newf(relayerrors.KindRemoteFailure, "run.await",
				"unexpected run status %q", run.Status)
		}
		if err := wait(pollCtx, pollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, relayerrors.FromRemote("run.await", ctx.Err())
			}
			return nil, timedOut(err)
		}
		polls++
		o.metrics.IncCounter("relay.run.polls", 1)
		next, err := backoff.Call(pollCtx, o.policy, func(ctx context.Context) (*remote.Run, error) {
			return o.client.GetRun(ctx, run.ID)
		})
		if err != nil {
			if ctx.Err() == nil && pollCtx.Err() != nil {
				return nil, timedOut(err)
			}
			return nil, relayerrors.FromRemote("run.await", err)
		}
		if next == nil {
			return nil, relayerrors.Newf(relayerrors.KindRemoteFailure, "run.await", "remote returned no state for run %s", run.ID)
		}
		o.logger.Debug(ctx, "run polled", "run_id", run.ID, "status", string(next.Status), "poll", polls)
		span.AddEvent("run.polled", "run_id", run.ID, "status", string(next.Status), "poll", polls)
		run = next
	}
}

// Execute submits req, waits for the run to finish and normalizes its output.
// Failed, cancelled and expired runs are reported as errors and no partial
// output is returned with them.
func (o *Orchestrator) Execute(ctx context.Context, req SubmitRequest, pollInterval, timeout time.Duration) (res *Result, err error) {
	ctx, span := o.tracer.Start(ctx, "relay.run.execute")
	start := time.Now()
	status := "error"
	defer func() {
		o.metrics.RecordTimer("relay.run.duration", time.Since(start), "status", status)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	run, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	span.AddEvent("run.submitted", "run_id", run.ID)
	run, err = o.AwaitTerminal(ctx, run, pollInterval, timeout)
	if err != nil {
		if relayerrors.Is(err, relayerrors.KindTimeout) {
			status = "timeout"
		}
		return nil, err
	}
	status = string(run.Status)
	o.metrics.IncCounter("relay.run.terminal", 1, "status", status)
	span.AddEvent("run.terminal", "run_id", run.ID, "status", status)

	if err := TerminalError(run); err != nil {
		o.logger.Warn(ctx, "run did not complete", "run_id", run.ID, "status", status, "err", err)
		return nil, err
	}
	out := output.NormalizeRun(run.ID, run.Raw, output.WithLogger(ctx, o.logger))
	return &Result{Run: run, Output: out}, nil
}

// TerminalError returns the error describing a terminal run that did not
// complete, or nil for a completed run.
func TerminalError(run *remote.Run) error {
	switch run.Status {
	case remote.StatusCompleted:
		return nil
	case remote.StatusFailed:
		var code, msg string
		if run.LastError != nil {
			code, msg = run.LastError.Code, run.LastError.Message
		}
		if isRateLimitFailure(code, msg) {
			return relayerrors.Newf(relayerrors.KindRemoteRateLimited, "run.execute",
				"the remote service is rate limiting requests, try again later: %s", describe(code, msg)).WithCode(code)
		}
		return relayerrors.Newf(relayerrors.KindRemoteFailure, "run.execute",
			"run %s failed: %s", run.ID, describe(code, msg)).WithCode(code)
	case remote.StatusCancelled, remote.StatusExpired:
		err := relayerrors.Newf(relayerrors.KindRemoteFailure, "run.execute", "run %s %s", run.ID, run.Status)
		if run.LastError != nil {
			err.Code = run.LastError.Code
			if run.LastError.Message != "" {
				err.Message += ": " + run.LastError.Message
			}
		}
		return err
	default:
		return relayerrors.Newf(relayerrors.KindRemoteFailure, "run.execute", "unexpected run status %q", run.Status)
	}
}

func isRateLimitFailure(code, msg string) bool {
	if remote.IsRateLimitCode(code) {
		return true
	}
	return backoff.RateLimitClassifier(errors.New(msg)) == backoff.Retryable
}

func describe(code, msg string) string {
	switch {
	case code == "" && msg == "":
		return "no error detail"
	case msg == "":
		return code
	case code == "" || strings.Contains(msg, code):
		return msg
	default:
		return fmt.Sprintf("%s (%s)", msg, code)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
