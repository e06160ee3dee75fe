package resource

import "sort"

// DiffType represents the type of tag change detected.
type DiffType string

const (
	// DiffAdded indicates a tag appeared.
	DiffAdded DiffType = "added"
	// DiffDeleted indicates a tag was removed.
	DiffDeleted DiffType = "deleted"
	// DiffModified indicates a tag value changed.
	DiffModified DiffType = "modified"
)

// TagChange represents a single tag change between two snapshots.
type TagChange struct {
	Key      string
	Type     DiffType
	Previous string
	Current  string
}

// DiffTags compares two tag snapshots in the given key space.
// Changes are sorted by key.
func DiffTags(mode KeyMode, prev, curr map[string]string) []TagChange {
	p := foldMap(mode, prev)
	c := foldMap(mode, curr)

	var changes []TagChange
	for k, pv := range p {
		cv, ok := c[k]
		switch {
		case !ok:
			changes = append(changes, TagChange{Key: k, Type: DiffDeleted, Previous: pv})
		case cv != pv:
			changes = append(changes, TagChange{Key: k, Type: DiffModified, Previous: pv, Current: cv})
		}
	}
	for k, cv := range c {
		if _, ok := p[k]; !ok {
			changes = append(changes, TagChange{Key: k, Type: DiffAdded, Current: cv})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// TagsEqual reports whether two tag snapshots are identical in the given key space.
func TagsEqual(mode KeyMode, a, b map[string]string) bool {
	return len(DiffTags(mode, a, b)) == 0
}

func foldMap(mode KeyMode, m map[string]string) map[string]string {
	if mode != KeyFold {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[NormalizeKey(mode, k)] = v
	}
	return out
}
