package namespace

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/identity"
)

func resolveSources(t *testing.T, opts identity.Options, srcs ...*container.MemSource) ([]*container.Index, *identity.Resolution) {
	t.Helper()
	indexes := make([]*container.Index, len(srcs))
	for i, s := range srcs {
		idx, err := container.BuildIndex(s)
		require.NoError(t, err)
		indexes[i] = idx
	}
	res, err := identity.Resolve(context.Background(), indexes, opts)
	require.NoError(t, err)
	return indexes, res
}

func TestBuildCollisionSuffixes(t *testing.T) {
	// Source A has group /imaging/a (identity I1), source B has group
	// /imaging/a (identity I2, different content). Both are renamed with
	// their manifest position.
	a := container.NewMemSource("a")
	a.PutGroup("/imaging", "shared-imaging", nil)
	a.PutGroup("/imaging/a", "I1", map[string]any{"depth": 175})
	b := container.NewMemSource("b")
	b.PutGroup("/imaging", "shared-imaging", nil)
	b.PutGroup("/imaging/a", "I2", map[string]any{"depth": 375})

	indexes, res := resolveSources(t, identity.Options{}, a, b)
	m, err := Build(indexes, res, "plane", nil)
	require.NoError(t, err)

	p1, ok := m.CanonicalPath(0, "/imaging/a")
	require.True(t, ok)
	assert.Equal(t, "/imaging/a_plane_1", p1)

	p2, ok := m.CanonicalPath(1, "/imaging/a")
	require.True(t, ok)
	assert.Equal(t, "/imaging/a_plane_2", p2)

	// The shared parent deduplicates onto source A's copy.
	pb, ok := m.CanonicalPath(1, "/imaging")
	require.True(t, ok)
	assert.Equal(t, "/imaging", pb)

	// Identities survive unchanged for distinct objects.
	i1, _ := m.CanonicalIdentity(0, "I1")
	i2, _ := m.CanonicalIdentity(1, "I2")
	assert.Equal(t, container.Identity("I1"), i1)
	assert.Equal(t, container.Identity("I2"), i2)
	assert.Equal(t, 2, m.NumRenamed())
}

func TestBuildDedupElidesLaterCopy(t *testing.T) {
	a := container.NewMemSource("a")
	a.PutGroup("/general", "g-shared", map[string]any{"lab": "mindscope"})
	b := container.NewMemSource("b")
	b.PutGroup("/general", "g-shared", map[string]any{"lab": "mindscope"})
	b.PutGroup("/general/extra", "g-extra", nil)

	indexes, res := resolveSources(t, identity.Options{}, a, b)
	m, err := Build(indexes, res, "plane", nil)
	require.NoError(t, err)

	// Single retained copy of /general owned by source A.
	var generalOwners []int
	for _, o := range m.Outputs() {
		if o.Path == "/general" {
			generalOwners = append(generalOwners, o.Source)
		}
	}
	assert.Equal(t, []int{0}, generalOwners)

	// Source B's extra child lands under the merged group.
	p, ok := m.CanonicalPath(1, "/general/extra")
	require.True(t, ok)
	assert.Equal(t, "/general/extra", p)

	// Both source identities resolve to the retained one.
	id, ok := m.CanonicalIdentity(1, "g-shared")
	require.True(t, ok)
	assert.Equal(t, container.Identity("g-shared"), id)

	// An identity held by only one source still resolves from the other,
	// so cross-source references can be patched.
	id, ok = m.CanonicalIdentity(0, "g-extra")
	require.True(t, ok)
	assert.Equal(t, container.Identity("g-extra"), id)
}

func TestBuildDivergentDerivedIdentity(t *testing.T) {
	a := container.NewMemSource("a")
	a.PutGroup("/meta", "M", map[string]any{"depth": 175})
	b := container.NewMemSource("b")
	b.PutGroup("/meta", "M", map[string]any{"depth": 375})

	indexes, res := resolveSources(t, identity.Options{}, a, b)
	m, err := Build(indexes, res, "plane", nil)
	require.NoError(t, err)

	p1, _ := m.CanonicalPath(0, "/meta")
	p2, _ := m.CanonicalPath(1, "/meta")
	assert.Equal(t, "/meta_plane_1", p1)
	assert.Equal(t, "/meta_plane_2", p2)

	id1, _ := m.CanonicalIdentity(0, "M")
	id2, _ := m.CanonicalIdentity(1, "M")
	assert.Equal(t, container.Identity("M"), id1)
	assert.NotEqual(t, id1, id2)
	assert.NotEmpty(t, id2)
}

func TestBuildIdempotent(t *testing.T) {
	a := container.NewMemSource("a")
	a.PutGroup("/imaging", "ia", nil)
	a.PutGroup("/imaging/plane", "I1", map[string]any{"n": 1})
	b := container.NewMemSource("b")
	b.PutGroup("/imaging", "ib", map[string]any{"other": true})
	b.PutGroup("/imaging/plane", "I2", map[string]any{"n": 2})

	indexes, res := resolveSources(t, identity.Options{}, a, b)

	m1, err := Build(indexes, res, "plane", nil)
	require.NoError(t, err)
	m2, err := Build(indexes, res, "plane", nil)
	require.NoError(t, err)

	if diff := cmp.Diff(m1.Outputs(), m2.Outputs()); diff != "" {
		t.Errorf("rename mapping not idempotent (-first +second):\n%s", diff)
	}
}

func TestBuildResidualCollision(t *testing.T) {
	// Source A already contains the name the suffix policy would assign to
	// its sibling, so suffixing cannot disambiguate.
	a := container.NewMemSource("a")
	a.PutGroup("/g", "ga", nil)
	a.PutGroup("/g/x", "X1", map[string]any{"v": 1})
	a.PutGroup("/g/x_plane_1", "L1", nil)
	b := container.NewMemSource("b")
	b.PutGroup("/g", "ga", nil)
	b.PutGroup("/g/x", "X2", map[string]any{"v": 2})

	indexes, res := resolveSources(t, identity.Options{}, a, b)
	_, err := Build(indexes, res, "plane", nil)
	var collision *NameCollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, "x_plane_1", collision.Name)
}

func TestBuildMergeGroupElision(t *testing.T) {
	a := container.NewMemSource("a")
	a.PutDataset("/lfp", "lfp-a", []uint64{4}, []uint64{2}, container.DtypeFloat64, nil, make([]byte, 32))
	b := container.NewMemSource("b")
	b.PutDataset("/lfp", "lfp-b", []uint64{4}, []uint64{2}, container.DtypeFloat64, nil, make([]byte, 32))

	indexes, res := resolveSources(t, identity.Options{}, a, b)
	groups := []MergeGroup{{Members: []Key{{Source: 0, Path: "/lfp"}, {Source: 1, Path: "/lfp"}}}}
	m, err := Build(indexes, res, "probe", groups)
	require.NoError(t, err)

	// Second member folds onto the first: same path, same identity.
	p, ok := m.CanonicalPath(1, "/lfp")
	require.True(t, ok)
	assert.Equal(t, "/lfp", p)
	id, ok := m.CanonicalIdentity(1, "lfp-b")
	require.True(t, ok)
	assert.Equal(t, container.Identity("lfp-a"), id)

	// Only one output for the combined array.
	var lfpOutputs int
	for _, o := range m.Outputs() {
		if o.Path == "/lfp" {
			lfpOutputs++
		}
	}
	assert.Equal(t, 1, lfpOutputs)
}
