package container

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// jsonDoc is the on-disk form of a JSON fixture container.
type jsonDoc struct {
	Name string    `json:"name"`
	Root *jsonNode `json:"root"`
}

type jsonNode struct {
	Kind     string               `json:"kind"`
	Identity string               `json:"identity"`
	Attrs    map[string]any       `json:"attrs"`
	Shape    []uint64             `json:"shape"`
	Chunks   []uint64             `json:"chunks"`
	Dtype    string               `json:"dtype"`
	Data     string               `json:"data"` // base64 raw little-endian
	Refs     []jsonRef            `json:"refs"`
	Target   string               `json:"target"` // link target identity
	Children map[string]*jsonNode `json:"children"`
}

type jsonRef struct {
	Target string   `json:"target"`
	Start  []uint64 `json:"start"`
	Stop   []uint64 `json:"stop"`
}

// LoadJSON reads a JSON fixture container into a MemSource. Children are
// loaded in lexical name order, so the walk order of the resulting source
// is deterministic.
func LoadJSON(name string, r io.Reader) (*MemSource, error) {
	var doc jsonDoc
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding container document: %w", err)
	}
	if doc.Name != "" {
		name = doc.Name
	}
	m := NewMemSource(name)
	if doc.Root == nil {
		return m, nil
	}
	m.SetRoot(Identity(doc.Root.Identity), decodeAttrs(doc.Root.Attrs))
	if err := loadChildren(m, "/", doc.Root.Children); err != nil {
		return nil, err
	}
	return m, nil
}

func loadChildren(m *MemSource, parent string, children map[string]*jsonNode) error {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		jn := children[name]
		path := JoinPath(parent, name)
		id := Identity(jn.Identity)
		attrs := decodeAttrs(jn.Attrs)

		switch jn.Kind {
		case "", "group":
			m.PutGroup(path, id, attrs)
			if err := loadChildren(m, path, jn.Children); err != nil {
				return err
			}

		case "dataset":
			if Dtype(jn.Dtype) == DtypeRef {
				refs := make([]Ref, len(jn.Refs))
				for i, jr := range jn.Refs {
					refs[i] = Ref{Target: Identity(jr.Target), Start: jr.Start, Stop: jr.Stop}
				}
				m.PutRefDataset(path, id, refs, attrs)
				break
			}
			data, err := base64.StdEncoding.DecodeString(jn.Data)
			if err != nil {
				return fmt.Errorf("decoding data for %s: %w", path, err)
			}
			m.PutDataset(path, id, jn.Shape, jn.Chunks, Dtype(jn.Dtype), attrs, data)

		case "link":
			m.PutLink(path, id, Identity(jn.Target))

		default:
			return fmt.Errorf("node %s: unknown kind %q", path, jn.Kind)
		}
	}
	return nil
}

// decodeAttrs converts JSON attribute values, turning {"$ref": ...} maps
// into Ref values.
func decodeAttrs(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	attrs := make(map[string]any, len(raw))
	for k, v := range raw {
		attrs[k] = decodeAttrValue(v)
	}
	return attrs
}

func decodeAttrValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	target, ok := m["$ref"].(string)
	if !ok {
		return v
	}
	ref := Ref{Target: Identity(target)}
	ref.Start = toUint64Slice(m["start"])
	ref.Stop = toUint64Slice(m["stop"])
	return ref
}

func toUint64Slice(v any) []uint64 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(arr))
	for _, e := range arr {
		f, ok := e.(float64)
		if !ok {
			return nil
		}
		out = append(out, uint64(f))
	}
	return out
}
