// Package files retrieves files generated inside a remote sandbox container
// and resolves the name and content type they are served with.
package files

import (
	"context"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"goa.design/coderelay/runtime/backoff"
	"goa.design/coderelay/runtime/relayerrors"
	"goa.design/coderelay/runtime/remote"
	"goa.design/coderelay/runtime/telemetry"
)

const defaultContentType = "application/octet-stream"

// imageTypes pins image types so they do not depend on the host mime tables.
var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
}

type (
	// Relay fetches container files.
	Relay struct {
		client  remote.Client
		policy  backoff.Policy
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Options configures a Relay.
	Options struct {
		// Policy defaults to backoff.DefaultPolicy.
		Policy    *backoff.Policy
		Telemetry telemetry.Bundle
	}

	// File is a fetched container file.
	File struct {
		ID          string
		ContainerID string
		// Name is the resolved download name.
		Name        string
		ContentType string
		Data        []byte
		Metadata    *remote.FileMetadata
	}
)

// New returns a Relay reading files through client.
func New(client remote.Client, opts Options) *Relay {
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
	return &Relay{client: client, policy: policy, logger: tel.Logger, metrics: tel.Metrics}
}

// Fetch retrieves the metadata and bytes of fileID in containerID. Both ids
// are required. Any remote lookup failure is reported as not found with the
// remote message preserved.
func (r *Relay) Fetch(ctx context.Context, fileID, containerID string) (*File, error) {
	if fileID == "" {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "file.fetch", "file id is required")
	}
	if containerID == "" {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, "file.fetch", "container id is required")
	}
	start := time.Now()
	result := "error"
	defer func() {
		r.metrics.RecordTimer("relay.file.fetch", time.Since(start), "result", result)
	}()

	meta, err := backoff.Call(ctx, r.policy, func(ctx context.Context) (*remote.FileMetadata, error) {
		return r.client.GetContainerFile(ctx, containerID, fileID)
	})
	if err != nil {
		return nil, r.notFound(ctx, fileID, containerID, err)
	}
	content, err := backoff.Call(ctx, r.policy, func(ctx context.Context) (*remote.FileContent, error) {
		return r.client.GetContainerFileContent(ctx, containerID, fileID)
	})
	if err != nil {
		return nil, r.notFound(ctx, fileID, containerID, err)
	}

	name := ResolveFilename(fileID, meta, content)
	f := &File{
		ID:          fileID,
		ContainerID: containerID,
		Name:        name,
		ContentType: ContentType(name),
		Metadata:    meta,
	}
	if content != nil {
		f.Data = content.Data
	}
	result = "ok"
	r.logger.Info(ctx, "container file fetched", "file_id", fileID, "container_id", containerID,
		"filename", name, "bytes", len(f.Data))
	return f, nil
}

func (r *Relay) notFound(ctx context.Context, fileID, containerID string, err error) error {
	r.logger.Error(ctx, "container file lookup failed", "file_id", fileID, "container_id", containerID, "err", err)
	if ctx.Err() != nil {
		return relayerrors.FromRemote("file.fetch", err)
	}
	re := relayerrors.Wrap(relayerrors.KindNotFound, "file.fetch", err)
	if rerr, ok := remote.AsError(err); ok {
		re.Code = rerr.Code()
	}
	return re
}

// ResolveFilename returns the name a file is served with: the base name of
// the sandbox path, the metadata filename, the metadata name, the content
// filename and finally the file id.
func ResolveFilename(fileID string, meta *remote.FileMetadata, content *remote.FileContent) string {
	if meta != nil {
		if base := baseName(meta.Path); base != "" {
			return base
		}
		if meta.Filename != "" {
			return meta.Filename
		}
		if meta.Name != "" {
			return meta.Name
		}
	}
	if content != nil && content.Filename != "" {
		return content.Filename
	}
	return fileID
}

// ContentType guesses the content type of name from its extension.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return defaultContentType
	}
	if t, ok := imageTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return defaultContentType
}

// ContentDisposition renders an inline Content-Disposition header value for
// name.
func ContentDisposition(name string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "")
	return `inline; filename="` + r.Replace(name) + `"`
}

func baseName(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	b := path.Base(p)
	if b == "." || b == "/" {
		return ""
	}
	return b
}
