// Package merge combines several hierarchical container files recorded by
// one acquisition session into a single deduplicated, rechunked output
// container. Sources are merged in manifest order: earlier sources win
// deduplication, and collision suffixes are numbered by manifest position.
package merge

import "fmt"

// Manifest describes one merge job: the role of the sources and their
// ordered locations.
type Manifest struct {
	// Role names what each source represents ("plane", "probe"). It feeds
	// the collision suffix scheme.
	Role string

	// Locations are source container locations in precedence order.
	Locations []string

	// Concat lists dataset paths whose per-source copies continue one
	// logical timeline and are concatenated along axis 0 in manifest order.
	Concat []ConcatSpec
}

// ConcatSpec names one dataset path to concatenate across sources.
type ConcatSpec struct {
	Path string
}

// Validate checks the manifest is runnable.
func (m Manifest) Validate() error {
	if m.Role == "" {
		return fmt.Errorf("manifest: role is required")
	}
	if len(m.Locations) == 0 {
		return fmt.Errorf("manifest: at least one source location is required")
	}
	seen := make(map[string]bool, len(m.Locations))
	for _, loc := range m.Locations {
		if loc == "" {
			return fmt.Errorf("manifest: empty source location")
		}
		if seen[loc] {
			return fmt.Errorf("manifest: duplicate source location %q", loc)
		}
		seen[loc] = true
	}
	for i, c := range m.Concat {
		if c.Path == "" {
			return fmt.Errorf("manifest: concat spec %d has no path", i)
		}
	}
	return nil
}
