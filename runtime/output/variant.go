package output

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"goa.design/coderelay/runtime/telemetry"
)

type (
	// Variant is one interpreted node of a remote result. The concrete types are
	// TextFragment, FileRef, ImageRef and InlineAnnotation.
	Variant interface {
		isVariant()
	}

	// TextFragment is a piece of generated text.
	TextFragment struct {
		Text string
	}

	// FileRef is a content item referencing a generated file.
	FileRef struct {
		Ref
		// Text is the text the item carries alongside the reference, if any.
		Text string
	}

	// ImageRef is a content item referencing a generated image.
	ImageRef struct {
		Ref
	}

	// InlineAnnotation is a citation attached to a content item that
	// references a file by id.
	InlineAnnotation struct {
		Ref
		Text string
	}

	// Ref holds the file fields shared by reference variants. Every field may
	// be empty.
	Ref struct {
		FileID      string
		Filename    string
		Path        string
		MimeType    string
		ContainerID string
	}

	decoder struct {
		ctx    context.Context
		logger telemetry.Logger
		out    []Variant
	}
)

func (TextFragment) isVariant()     {}
func (FileRef) isVariant()          {}
func (ImageRef) isVariant()         {}
func (InlineAnnotation) isVariant() {}

var (
	textTypes       = map[string]bool{"text": true, "output_text": true, "summary_text": true, "refusal": true, "input_text": true}
	citationTypes   = map[string]bool{"container_file_citation": true, "file_citation": true, "file_path": true}
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp"}
)

// Decode interprets raw into variants in document order. Nodes with an
// unexpected shape are skipped and reported through the logger option.
func Decode(raw []byte, opts ...Option) []Variant {
	o := newOptions(opts)
	d := &decoder{ctx: o.ctx, logger: o.logger}
	d.decode(raw)
	return d.out
}

func (d *decoder) decode(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if !gjson.ValidBytes(raw) {
		d.malformed("result", "invalid JSON")
		return
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		d.malformed("result", "not an object")
		return
	}

	if t := root.Get("output_text"); t.Type == gjson.String && t.Str != "" {
		d.emit(TextFragment{Text: t.Str})
	}

	var container string
	if out := root.Get("output"); out.Exists() {
		if !out.IsArray() {
			d.malformed("output", "not an array")
		} else {
			out.ForEach(func(_, block gjson.Result) bool {
				container = d.block(block, container)
				return true
			})
		}
	}

	if files := root.Get("output_files"); files.Exists() {
		if !files.IsArray() {
			d.malformed("output_files", "not an array")
			return
		}
		files.ForEach(func(_, f gjson.Result) bool {
			if !f.IsObject() {
				d.malformed("output_files[]", "not an object")
				return true
			}
			ref := refFrom(f, container)
			// Top-level file entries name their id "id" first.
			ref.FileID = stringField(f, "id", "file_id")
			d.emit(FileRef{Ref: ref, Text: stringField(f, "filename")})
			return true
		})
	}
}

// block decodes one output block and returns the container id to carry
// forward.
func (d *decoder) block(block gjson.Result, container string) string {
	if !block.IsObject() {
		d.malformed("output[]", "not an object")
		return container
	}
	if c := stringField(block, "container_id"); c != "" {
		container = c
	}
	content := block.Get("content")
	if !content.Exists() || content.Type == gjson.Null {
		return container
	}
	if !content.IsArray() {
		d.malformed("output[].content", "not an array")
		return container
	}
	content.ForEach(func(_, item gjson.Result) bool {
		d.item(item, container)
		return true
	})
	return container
}

func (d *decoder) item(item gjson.Result, container string) {
	if !item.IsObject() {
		d.malformed("content[]", "not an object")
		return
	}
	typ := stringField(item, "type")
	switch {
	case textTypes[typ]:
		if v := textValue(item); v != "" {
			d.emit(TextFragment{Text: v})
		}
	case typ == "file_path":
		if ref, ok := d.ref(item, "file_path", container); ok {
			d.emit(FileRef{Ref: ref, Text: stringField(item, "text")})
		}
	case typ == "image_file":
		if ref, ok := d.ref(item, "image_file", container); ok {
			d.emit(ImageRef{Ref: ref})
		}
	case typ == "output_file" || typ == "file":
		if ref, ok := d.ref(item, "file", container); ok {
			d.emit(FileRef{Ref: ref, Text: stringField(item, "text")})
		}
	case typ == "output_image" || typ == "image":
		if ref, ok := d.ref(item, "image", container); ok {
			d.emit(ImageRef{Ref: ref})
		}
	}

	anns := item.Get("annotations")
	if !anns.Exists() || anns.Type == gjson.Null {
		return
	}
	if !anns.IsArray() {
		d.malformed("content[].annotations", "not an array")
		return
	}
	anns.ForEach(func(_, ann gjson.Result) bool {
		if !ann.IsObject() {
			d.malformed("annotations[]", "not an object")
			return true
		}
		if !citationTypes[stringField(ann, "type")] {
			return true
		}
		ref := refFrom(ann, container)
		if c := stringField(ann, "container_id"); c != "" {
			ref.ContainerID = c
		}
		d.emit(InlineAnnotation{Ref: ref, Text: stringField(ann, "text")})
		return true
	})
}

func (d *decoder) ref(item gjson.Result, field, container string) (Ref, bool) {
	obj := item.Get(field)
	if !obj.IsObject() {
		d.malformed("content[]."+field, "missing reference object")
		return Ref{}, false
	}
	return refFrom(obj, container), true
}

func (d *decoder) emit(v Variant) {
	d.out = append(d.out, v)
}

func (d *decoder) malformed(node, reason string) {
	if d.logger != nil {
		d.logger.Debug(d.ctx, "skipping malformed result node", "node", node, "reason", reason)
	}
}

func refFrom(obj gjson.Result, container string) Ref {
	return Ref{
		FileID:      stringField(obj, "file_id", "id"),
		Filename:    stringField(obj, "filename", "path"),
		Path:        stringField(obj, "path", "filepath"),
		MimeType:    stringField(obj, "mime_type", "content_type"),
		ContainerID: container,
	}
}

func textValue(item gjson.Result) string {
	if t := item.Get("text"); t.IsObject() {
		if v := stringField(t, "value"); v != "" {
			return v
		}
	}
	return stringField(item, "text", "output_text", "value")
}

// stringField returns the first non-empty string value found at paths.
func stringField(obj gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := obj.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// IsImageName reports whether name ends in a known image extension, ignoring
// case.
func IsImageName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
