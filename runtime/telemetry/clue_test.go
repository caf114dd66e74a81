package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"goa.design/clue/log"
)

func TestKVSliceToClue(t *testing.T) {
	fielders := kvSliceToClue([]any{"run_id", "run_1", 42, "dropped", "err", errors.New("boom"), "odd"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "run_id", V: "run_1"},
		log.KV{K: "err", V: "boom"},
		log.KV{K: "odd", V: nil},
	}, fielders)
}

func TestKVSliceToAttrs(t *testing.T) {
	attrs := kvSliceToAttrs([]any{"status", "completed", "polls", 3, "ok", true, "other", struct{}{}})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("status", "completed"),
		attribute.Int("polls", 3),
		attribute.Bool("ok", true),
		attribute.String("other", ""),
	}, attrs)
}

func TestTagsToAttrsPadsOddKey(t *testing.T) {
	attrs := tagsToAttrs([]string{"status", "failed", "code"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("status", "failed"),
		attribute.String("code", ""),
	}, attrs)
}

func TestBundleWithDefaults(t *testing.T) {
	b := Bundle{}.WithDefaults()
	require.NotNil(t, b.Logger)
	require.NotNil(t, b.Metrics)
	require.NotNil(t, b.Tracer)

	ctx, span := b.Tracer.Start(context.Background(), "noop")
	require.NotNil(t, ctx)
	span.End()
}
