package domain

// SegmentFilter is a declarative predicate over the lead population. Each
// non-empty list is OR'd within itself; the populated fields are AND'd
// together. An empty (or nil) list places no constraint on that field.
type SegmentFilter struct {
	Status []string `json:"status,omitempty"`
	Source []string `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// IsEmpty reports whether the filter constrains nothing, i.e. it matches the
// entire lead population.
func (f *SegmentFilter) IsEmpty() bool {
	return f == nil || (len(f.Status) == 0 && len(f.Source) == 0 && len(f.Tags) == 0)
}
