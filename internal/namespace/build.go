package namespace

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/identity"
)

// MergeGroup lists dataset nodes that concatenate into one output array.
// The first member is retained and keeps its canonical path and identity;
// later members are elided onto it.
type MergeGroup struct {
	Members []Key
}

// class is the per-node deduplication outcome.
type class struct {
	retained bool
	owner    Key // for elided nodes: location of the retained copy
	canonID  container.Identity
}

// Build walks every source in manifest order and constructs the rename
// mapping. Building is deterministic: the same sources, resolution, role
// and groups always yield the same mapping.
func Build(sources []*container.Index, res *identity.Resolution, role string, groups []MergeGroup) (*Mapping, error) {
	memberOwner, err := validateGroups(sources, groups)
	if err != nil {
		return nil, err
	}

	classes := classify(sources, res, memberOwner)

	// Fill in merge-group member identities now that owners are classified.
	for member, owner := range memberOwner {
		cls := classes[member]
		cls.canonID = resolveOwnerClass(classes, owner).canonID
		classes[member] = cls
	}

	suffixes, err := resolveCollisions(sources, classes, role)
	if err != nil {
		return nil, err
	}

	m := &Mapping{
		Role:   role,
		paths:  make(map[Key]string),
		ids:    make(map[idKey]container.Identity),
		global: make(map[container.Identity]container.Identity),
	}

	// Assign canonical paths to retained nodes, parents before children.
	for s, idx := range sources {
		for _, path := range idx.Order {
			key := Key{Source: s, Path: path}
			cls := classes[key]
			if !cls.retained {
				continue
			}
			if path == "/" {
				m.paths[key] = "/"
			} else {
				parent := resolveParentKey(classes, key)
				name := container.BaseName(path)
				if sfx, ok := suffixes[key]; ok {
					name = sfx
				}
				m.paths[key] = container.JoinPath(m.paths[parent], name)
			}
			node := idx.ByPath[path]
			if node.Identity != "" {
				m.ids[idKey{source: s, id: node.Identity}] = cls.canonID
				// Manifest order puts the canonical copy of a divergent
				// identity first, so the global entry always names it.
				if _, ok := m.global[node.Identity]; !ok {
					m.global[node.Identity] = cls.canonID
				}
			}
			m.outputs = append(m.outputs, Output{
				Path:       m.paths[key],
				Source:     s,
				SourcePath: path,
				Identity:   cls.canonID,
			})
		}
	}

	// Elided nodes map onto their retained copy.
	for s, idx := range sources {
		for _, path := range idx.Order {
			key := Key{Source: s, Path: path}
			cls := classes[key]
			if cls.retained {
				continue
			}
			owner := resolveOwnerKey(classes, key)
			m.paths[key] = m.paths[owner]
			node := idx.ByPath[path]
			if node.Identity != "" {
				m.ids[idKey{source: s, id: node.Identity}] = cls.canonID
				if _, ok := m.global[node.Identity]; !ok {
					m.global[node.Identity] = cls.canonID
				}
			}
		}
	}

	sortOutputs(m.outputs)
	return m, nil
}

// validateGroups checks merge-group members and returns the member-to-first
// ownership map.
func validateGroups(sources []*container.Index, groups []MergeGroup) (map[Key]Key, error) {
	memberOwner := make(map[Key]Key)
	for gi, g := range groups {
		if len(g.Members) < 2 {
			return nil, fmt.Errorf("merge group %d: needs at least two members", gi)
		}
		for _, member := range g.Members {
			if member.Source < 0 || member.Source >= len(sources) {
				return nil, fmt.Errorf("merge group %d: source %d out of range", gi, member.Source)
			}
			node := sources[member.Source].Node(member.Path)
			if node == nil {
				return nil, fmt.Errorf("merge group %d: %s not found in source %d", gi, member.Path, member.Source)
			}
			if node.Kind != container.KindDataset || node.Dtype == container.DtypeRef {
				return nil, fmt.Errorf("merge group %d: %s is not a numeric dataset", gi, member.Path)
			}
		}
		first := normalizeKey(g.Members[0])
		for _, member := range g.Members[1:] {
			memberOwner[normalizeKey(member)] = first
		}
	}
	return memberOwner, nil
}

func normalizeKey(k Key) Key {
	k.Path = container.CleanPath(k.Path)
	return k
}

// classify decides retained-vs-elided and the canonical identity for every
// node of every source.
func classify(sources []*container.Index, res *identity.Resolution, memberOwner map[Key]Key) map[Key]class {
	classes := make(map[Key]class)

	// Identity-less groups are plain structural containers and merge by
	// position: two anonymous groups sharing a name under the same merged
	// parent collapse onto the earliest copy. Parents precede children in
	// walk order, so the parent's class is always settled first.
	type anonSlot struct {
		parent Key
		name   string
	}
	anonGroups := make(map[anonSlot]Key)

	for s, idx := range sources {
		for _, path := range idx.Order {
			key := Key{Source: s, Path: path}
			node := idx.ByPath[path]

			// All source roots merge into the first source's root.
			if path == "/" {
				if s == 0 {
					classes[key] = class{retained: true, canonID: node.Identity}
				} else {
					classes[key] = class{owner: Key{Source: 0, Path: "/"}, canonID: sources[0].ByPath["/"].Identity}
				}
				continue
			}

			if owner, ok := memberOwner[key]; ok {
				classes[key] = class{owner: owner}
				continue
			}

			if node.Identity == "" && node.Kind == container.KindGroup {
				sl := anonSlot{parent: resolveParentKey(classes, key), name: container.BaseName(path)}
				if owner, ok := anonGroups[sl]; ok {
					classes[key] = class{owner: owner}
					continue
				}
				anonGroups[sl] = key
				classes[key] = class{retained: true}
				continue
			}

			id := node.Identity
			if id != "" {
				if set, ok := res.Set(id); ok && len(set.Occurrences) > 1 {
					if !set.Divergent {
						if set.Canonical != s {
							canonPath, _ := sources[set.Canonical].PathOf(id)
							classes[key] = class{owner: Key{Source: set.Canonical, Path: canonPath}, canonID: id}
							continue
						}
						classes[key] = class{retained: true, canonID: id}
						continue
					}
					// Divergent copies all survive; non-canonical ones get
					// a deterministic derived identity so the merged
					// namespace stays unique.
					cid := id
					if set.Canonical != s {
						cid = derivedIdentity(id, s)
					}
					classes[key] = class{retained: true, canonID: cid}
					continue
				}
				if alias, ok := res.ContentAlias(id); ok {
					if owner, found := locate(sources, alias); found {
						classes[key] = class{owner: owner, canonID: alias}
						continue
					}
				}
			}
			classes[key] = class{retained: true, canonID: id}
		}
	}
	return classes
}

// locate finds the earliest source holding an identity.
func locate(sources []*container.Index, id container.Identity) (Key, bool) {
	for s, idx := range sources {
		if p, ok := idx.PathOf(id); ok {
			return Key{Source: s, Path: p}, true
		}
	}
	return Key{}, false
}

// resolveOwnerKey follows elision chains to the retained copy.
func resolveOwnerKey(classes map[Key]class, key Key) Key {
	for i := 0; i < len(classes); i++ {
		cls := classes[key]
		if cls.retained {
			return key
		}
		key = cls.owner
	}
	return key
}

func resolveOwnerClass(classes map[Key]class, key Key) class {
	return classes[resolveOwnerKey(classes, key)]
}

// resolveParentKey returns the retained node under which key's node lands
// in the merged tree.
func resolveParentKey(classes map[Key]class, key Key) Key {
	parent := Key{Source: key.Source, Path: container.ParentPath(key.Path)}
	return resolveOwnerKey(classes, parent)
}

// resolveCollisions finds sibling-name contention between distinct objects
// under each merged parent and assigns deterministic suffixes.
// Every contender is renamed `<name>_<role>_<position>` where position is
// its source's 1-indexed place in the manifest, so re-running the merge on
// the same manifest is idempotent.
func resolveCollisions(sources []*container.Index, classes map[Key]class, role string) (map[Key]string, error) {
	type slot struct {
		parent Key
		name   string
	}
	claims := make(map[slot][]Key)
	var order []slot

	for s, idx := range sources {
		for _, path := range idx.Order {
			key := Key{Source: s, Path: path}
			if path == "/" || !classes[key].retained {
				continue
			}
			sl := slot{parent: resolveParentKey(classes, key), name: container.BaseName(path)}
			if _, seen := claims[sl]; !seen {
				order = append(order, sl)
			}
			claims[sl] = append(claims[sl], key)
		}
	}

	suffixes := make(map[Key]string)
	finalNames := make(map[Key]map[string]bool) // parent -> used names

	use := func(parent Key, key Key, name string) error {
		used := finalNames[parent]
		if used == nil {
			used = make(map[string]bool)
			finalNames[parent] = used
		}
		if used[name] {
			return &NameCollisionError{Parent: parent.Path, Name: name}
		}
		used[name] = true
		if name != container.BaseName(key.Path) {
			suffixes[key] = name
		}
		return nil
	}

	for _, sl := range order {
		contenders := claims[sl]
		if len(contenders) == 1 {
			if err := use(sl.parent, contenders[0], sl.name); err != nil {
				return nil, err
			}
			continue
		}
		for _, key := range contenders {
			suffixed := fmt.Sprintf("%s_%s_%d", sl.name, role, key.Source+1)
			if err := use(sl.parent, key, suffixed); err != nil {
				return nil, err
			}
		}
	}
	return suffixes, nil
}

// identityNamespace scopes derived identities for divergent copies.
var identityNamespace = uuid.MustParse("8f1f3b52-07c5-4d2e-9f2a-6b1e45c8a911")

// derivedIdentity deterministically re-identifies a divergent non-canonical
// copy so the merged namespace keeps identities unique.
func derivedIdentity(id container.Identity, source int) container.Identity {
	name := fmt.Sprintf("%s#%d", id, source)
	return container.Identity(uuid.NewSHA1(identityNamespace, []byte(name)).String())
}
