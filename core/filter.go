package core

// Filter narrows search and delete operations. Zero-valued fields match
// everything. Stores always add their own status constraint on top.
type Filter struct {
	OwnerID    string
	ProjectID  string
	DocumentID string
	Source     string
	Tags       []string // every tag must be present
	IDs        []ID
}

// IsEmpty reports whether the filter matches every fragment.
func (f *Filter) IsEmpty() bool {
	return f == nil || (f.OwnerID == "" && f.ProjectID == "" && f.DocumentID == "" &&
		f.Source == "" && len(f.Tags) == 0 && len(f.IDs) == 0)
}

// Matches reports whether the fragment satisfies every set field.
// It does not look at Status.
func (f *Filter) Matches(fragment *Fragment) bool {
	if f == nil {
		return true
	}
	if fragment == nil {
		return false
	}
	m := &fragment.Metadata
	if f.OwnerID != "" && m.OwnerID != f.OwnerID {
		return false
	}
	if f.ProjectID != "" && m.ProjectID != f.ProjectID {
		return false
	}
	if f.DocumentID != "" && m.DocumentID != f.DocumentID {
		return false
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	for _, tag := range f.Tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == fragment.Id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
