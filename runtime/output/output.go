// Package output converts the raw result of a completed run into a flat text
// and an ordered list of file annotations.
//
// Normalization never fails: nodes that cannot be interpreted are skipped and
// reference entries without a file id are dropped. Text and annotations keep
// the order in which the remote service emitted them and are not
// deduplicated.
package output

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"goa.design/coderelay/runtime/telemetry"
)

// Kind distinguishes generated images from other files.
type Kind string

const (
	// KindFile is a generic generated file.
	KindFile Kind = "file"
	// KindImage is a generated image.
	KindImage Kind = "image"
)

type (
	// Output is the normalized result of a run.
	Output struct {
		Text        string       `json:"text"`
		Annotations []Annotation `json:"annotations"`
	}

	// Annotation references a file produced during a run. FileID is never
	// empty.
	Annotation struct {
		Kind           Kind   `json:"kind"`
		FileID         string `json:"file_id"`
		Filename       string `json:"filename,omitempty"`
		Path           string `json:"path,omitempty"`
		MimeType       string `json:"mime_type,omitempty"`
		AssociatedText string `json:"text,omitempty"`
		SourceRunID    string `json:"source_run_id,omitempty"`
		ContainerID    string `json:"container_id,omitempty"`
	}

	// Option configures normalization.
	Option func(*options)

	options struct {
		ctx    context.Context
		logger telemetry.Logger
	}
)

// WithLogger reports skipped nodes at debug level.
func WithLogger(ctx context.Context, l telemetry.Logger) Option {
	return func(o *options) {
		o.ctx = ctx
		o.logger = l
	}
}

// Normalize interprets raw. The source run id of annotations is read from the
// top-level "id" field when present.
func Normalize(raw []byte, opts ...Option) Output {
	runID := ""
	if len(raw) > 0 && gjson.ValidBytes(raw) {
		runID = gjson.GetBytes(raw, "id").String()
	}
	return NormalizeRun(runID, raw, opts...)
}

// NormalizeRun interprets raw and tags annotations with runID.
func NormalizeRun(runID string, raw []byte, opts ...Option) Output {
	var (
		text strings.Builder
		out  = Output{Annotations: []Annotation{}}
	)
	add := func(kind Kind, ref Ref, assoc string) {
		if ref.FileID == "" {
			return
		}
		out.Annotations = append(out.Annotations, Annotation{
			Kind:           kind,
			FileID:         ref.FileID,
			Filename:       ref.Filename,
			Path:           ref.Path,
			MimeType:       ref.MimeType,
			AssociatedText: assoc,
			SourceRunID:    runID,
			ContainerID:    ref.ContainerID,
		})
	}
	for _, v := range Decode(raw, opts...) {
		switch v := v.(type) {
		case TextFragment:
			text.WriteString(v.Text)
		case FileRef:
			add(KindFile, v.Ref, v.Text)
		case ImageRef:
			add(KindImage, v.Ref, "")
		case InlineAnnotation:
			add(InferKind(v.FileID), v.Ref, v.Text)
		}
	}
	out.Text = text.String()
	return out
}

// InferKind returns KindImage when fileID ends in an image extension and
// KindFile otherwise.
func InferKind(fileID string) Kind {
	if IsImageName(fileID) {
		return KindImage
	}
	return KindFile
}

// Files returns the annotations referencing distinct file ids, in order of
// first appearance.
func (o Output) Files() []Annotation {
	seen := make(map[string]bool, len(o.Annotations))
	var files []Annotation
	for _, a := range o.Annotations {
		if seen[a.FileID] {
			continue
		}
		seen[a.FileID] = true
		files = append(files, a)
	}
	return files
}

func newOptions(opts []Option) options {
	o := options{ctx: context.Background()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	return o
}
