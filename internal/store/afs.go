package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/url"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
)

const (
	groupDoc   = ".zgroup.json"
	arrayDoc   = ".zarray.json"
	linkDoc    = ".zlink.json"
	commitDoc  = ".completed.json"
	failureDoc = ".failure.json"
)

// AFS stores the output container behind an afs.Service, so one writer
// serves file://, mem:// and s3:// destinations.
type AFS struct {
	fs   afs.Service
	base string
}

// NewAFS opens a destination rooted at baseURL.
func NewAFS(fs afs.Service, baseURL string) *AFS {
	if fs == nil {
		fs = afs.New()
	}
	return &AFS{fs: fs, base: strings.TrimRight(baseURL, "/")}
}

type groupMeta struct {
	Identity string         `json:"identity"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

type arrayMeta struct {
	Identity string         `json:"identity"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	Shape    []uint64       `json:"shape"`
	Chunks   []uint64       `json:"chunks,omitempty"`
	Dtype    string         `json:"dtype"`
	Codec    *codecMeta     `json:"codec,omitempty"`
	Refs     []refMeta      `json:"refs,omitempty"`
}

type codecMeta struct {
	ID      string `json:"id"`
	Level   int    `json:"level,omitempty"`
	Shuffle bool   `json:"shuffle,omitempty"`
}

type linkMeta struct {
	Identity string `json:"identity"`
	Target   string `json:"target"`
}

type refMeta struct {
	Target string   `json:"$ref"`
	Start  []uint64 `json:"start,omitempty"`
	Stop   []uint64 `json:"stop,omitempty"`
}

func (s *AFS) CreateGroup(ctx context.Context, g Group) error {
	doc := groupMeta{Identity: string(g.Identity), Attrs: encodeAttrs(g.Attrs)}
	return s.putJSON(ctx, s.objectURL(g.Path, groupDoc), doc)
}

func (s *AFS) CreateArray(ctx context.Context, a Array) error {
	doc := arrayMeta{
		Identity: string(a.Identity),
		Attrs:    encodeAttrs(a.Attrs),
		Shape:    a.Shape,
		Chunks:   a.Chunks,
		Dtype:    string(a.Dtype),
	}
	if a.Compression != "" || a.Shuffle {
		doc.Codec = &codecMeta{ID: a.Compression, Level: a.Level, Shuffle: a.Shuffle}
	}
	for _, r := range a.Refs {
		doc.Refs = append(doc.Refs, encodeRef(r))
	}
	return s.putJSON(ctx, s.objectURL(a.Path, arrayDoc), doc)
}

func (s *AFS) CreateLink(ctx context.Context, l Link) error {
	doc := linkMeta{Identity: string(l.Identity), Target: string(l.Target)}
	return s.putJSON(ctx, s.objectURL(l.Path, linkDoc), doc)
}

func (s *AFS) WriteChunk(ctx context.Context, path, key string, data []byte) error {
	return s.fs.Upload(ctx, s.objectURL(path, key), 0o644, bytes.NewReader(data))
}

func (s *AFS) WriteFailure(ctx context.Context, f Failure) error {
	return s.putJSON(ctx, s.objectURL("/", failureDoc), f)
}

func (s *AFS) Finalize(ctx context.Context, c Commit) error {
	return s.putJSON(ctx, s.objectURL("/", commitDoc), c)
}

func (s *AFS) Close() error { return nil }

// Completed reports whether the destination carries a commit marker.
func (s *AFS) Completed(ctx context.Context) (bool, error) {
	return s.fs.Exists(ctx, s.objectURL("/", commitDoc))
}

func (s *AFS) objectURL(path, name string) string {
	parts := container.SplitPath(path)
	return url.Join(s.base, append(parts, name)...)
}

func (s *AFS) putJSON(ctx context.Context, dest string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", dest, err)
	}
	return s.fs.Upload(ctx, dest, 0o644, bytes.NewReader(data))
}

// encodeAttrs renders attribute values JSON-safe, turning Ref values into
// {"$ref": ...} documents.
func encodeAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = encodeAttrValue(v)
	}
	return out
}

func encodeAttrValue(v any) any {
	switch t := v.(type) {
	case container.Ref:
		return encodeRef(t)
	case []container.Ref:
		refs := make([]refMeta, len(t))
		for i, r := range t {
			refs[i] = encodeRef(r)
		}
		return refs
	default:
		return v
	}
}

func encodeRef(r container.Ref) refMeta {
	return refMeta{Target: string(r.Target), Start: r.Start, Stop: r.Stop}
}
