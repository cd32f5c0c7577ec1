package model

// NavigationPath is the ordered chain of interaction ids since an application was opened.
type NavigationPath []string

// Extend returns a new path with id appended. The receiver is never modified.
func (p NavigationPath) Extend(id string) NavigationPath {
	out := make(NavigationPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, id)
}

// Clone returns an independent copy of the path.
func (p NavigationPath) Clone() NavigationPath {
	if p == nil {
		return nil
	}
	out := make(NavigationPath, len(p))
	copy(out, p)
	return out
}
