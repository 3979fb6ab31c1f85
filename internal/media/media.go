// Package media extracts media-reference directives from .igtex sources.
//
// A directive is `\image{NAME}` or `\video{NAME}`. Matching is purely textual:
// comments and escapes are not understood, and the first closing brace ends
// the name.
package media

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Kind is the type of media a directive refers to.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Reference is one directive occurrence in a document.
type Reference struct {
	Kind Kind
	Name string
}

// MarshalJSON encodes a reference as a [kind, name] pair.
func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{string(r.Kind), r.Name})
}

var directivePattern = regexp.MustCompile(`\\(image|video)\{([^}\n]+?)\}`)

// Extract returns every directive in text, in source order. Duplicates are kept.
func Extract(text string) []Reference {
	matches := directivePattern.FindAllStringSubmatch(text, -1)
	refs := make([]Reference, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Reference{Kind: Kind(m[1]), Name: m[2]})
	}
	return refs
}

// ExtractFile reads the document at path and extracts its directives.
func ExtractFile(path string) ([]Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return Extract(string(data)), nil
}

// Names returns the asset names of refs, preserving order and duplicates.
func Names(refs []Reference) []string {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.Name
	}
	return names
}
