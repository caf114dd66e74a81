package output

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	fixtureFile struct {
		Cases []fixture `yaml:"cases"`
	}

	fixture struct {
		Name   string `yaml:"name"`
		Raw    string `yaml:"raw"`
		Expect struct {
			Text        string              `yaml:"text"`
			Annotations []fixtureAnnotation `yaml:"annotations"`
		} `yaml:"expect"`
	}

	fixtureAnnotation struct {
		Kind        string `yaml:"kind"`
		FileID      string `yaml:"file_id"`
		Filename    string `yaml:"filename"`
		Path        string `yaml:"path"`
		MimeType    string `yaml:"mime_type"`
		Text        string `yaml:"text"`
		SourceRunID string `yaml:"source_run_id"`
		ContainerID string `yaml:"container_id"`
	}

	recordingLogger struct {
		debug []string
	}
)

func (l *recordingLogger) Debug(_ context.Context, msg string, _ ...any) {
	l.debug = append(l.debug, msg)
}
func (l *recordingLogger) Info(context.Context, string, ...any)  {}
func (l *recordingLogger) Warn(context.Context, string, ...any)  {}
func (l *recordingLogger) Error(context.Context, string, ...any) {}

func TestNormalizeFixtures(t *testing.T) {
	data, err := os.ReadFile("testdata/normalize.yaml")
	require.NoError(t, err)
	var file fixtureFile
	require.NoError(t, yaml.Unmarshal(data, &file))
	require.NotEmpty(t, file.Cases)

	for _, tc := range file.Cases {
		t.Run(tc.Name, func(t *testing.T) {
			want := []Annotation{}
			for _, a := range tc.Expect.Annotations {
				want = append(want, Annotation{
					Kind:           Kind(a.Kind),
					FileID:         a.FileID,
					Filename:       a.Filename,
					Path:           a.Path,
					MimeType:       a.MimeType,
					AssociatedText: a.Text,
					SourceRunID:    a.SourceRunID,
					ContainerID:    a.ContainerID,
				})
			}
			got := Normalize([]byte(tc.Raw))
			require.Equal(t, tc.Expect.Text, got.Text)
			require.Equal(t, want, got.Annotations)
		})
	}
}

func TestNormalizeLogsMalformedNodes(t *testing.T) {
	l := &recordingLogger{}
	out := Normalize([]byte(`{"output": [1, {"content": {}}]}`), WithLogger(context.Background(), l))
	require.Empty(t, out.Text)
	require.Empty(t, out.Annotations)
	require.Len(t, l.debug, 2)
}

func TestNormalizeRunOverridesSourceRunID(t *testing.T) {
	raw := []byte(`{"id": "resp_x", "output": [{"content": [{"type": "image_file", "image_file": {"file_id": "f1"}}]}]}`)
	out := NormalizeRun("run_7", raw)
	require.Len(t, out.Annotations, 1)
	require.Equal(t, "run_7", out.Annotations[0].SourceRunID)
}

func TestNormalizeKeepsDuplicates(t *testing.T) {
	raw := []byte(`{"output": [{"content": [
		{"type": "output_text", "text": "x", "annotations": [{"type": "file_path", "file_id": "f1"}]},
		{"type": "file_path", "file_path": {"file_id": "f1"}}
	]}], "output_files": [{"file_id": "f1"}]}`)
	out := Normalize(raw)
	require.Len(t, out.Annotations, 3)
	require.Len(t, out.Files(), 1)
}

func TestAnnotationJSON(t *testing.T) {
	b, err := json.Marshal(Annotation{Kind: KindImage, FileID: "f1", Filename: "plot.png"})
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"image","file_id":"f1","filename":"plot.png"}`, string(b))
}

func TestNormalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("convenience text passes through verbatim", prop.ForAll(
		func(text string) bool {
			raw, err := json.Marshal(map[string]string{"output_text": text})
			if err != nil {
				return false
			}
			out := Normalize(raw)
			return out.Text == text && len(out.Annotations) == 0
		},
		gen.AnyString(),
	))

	properties.Property("inline citation kind follows the file id extension", prop.ForAll(
		func(stem string, ext string, upper bool) bool {
			if upper {
				ext = strings.ToUpper(ext)
			}
			id := "cfile_" + stem + ext
			raw, err := json.Marshal(map[string]any{
				"output": []any{map[string]any{"content": []any{map[string]any{
					"type":        "output_text",
					"text":        "",
					"annotations": []any{map[string]any{"type": "container_file_citation", "file_id": id}},
				}}}},
			})
			if err != nil {
				return false
			}
			out := Normalize(raw)
			if len(out.Annotations) != 1 {
				return false
			}
			want := KindFile
			switch strings.ToLower(ext) {
			case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp":
				want = KindImage
			}
			return out.Annotations[0].Kind == want
		},
		gen.AlphaString(),
		gen.OneConstOf(".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".csv", ".txt", ".pdf", "", ".pngx"),
		gen.Bool(),
	))

	properties.Property("references without file id are dropped", prop.ForAll(
		func(typ, filename string) bool {
			field := map[string]string{
				"file_path":    "file_path",
				"image_file":   "image_file",
				"output_file":  "file",
				"output_image": "image",
			}[typ]
			raw, err := json.Marshal(map[string]any{
				"output": []any{map[string]any{"content": []any{map[string]any{
					"type": typ,
					field:  map[string]any{"filename": filename},
				}}}},
			})
			if err != nil {
				return false
			}
			return len(Normalize(raw).Annotations) == 0
		},
		gen.OneConstOf("file_path", "image_file", "output_file", "output_image"),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
