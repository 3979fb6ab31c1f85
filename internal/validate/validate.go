// Package validate compares the assets a document requires with the assets
// present in its workspace.
package validate

// Missing returns the names in required that are absent from present, in
// first-seen order with duplicates collapsed. An empty result means the
// document is ready to compile.
func Missing(required []string, present map[string]struct{}) []string {
	missing := []string{}
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := present[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Set builds a membership set from names.
func Set(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
