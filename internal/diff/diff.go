// Package diff computes the difference between two document versions. The
// result carries both a unified-diff text for human review and a structured
// section list for the impact assessor. Computation is pure and deterministic
// so retried pipeline runs always record the same diff.
package diff

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	sgdiff "github.com/sourcegraph/go-diff/diff"

	"regradar/internal/content"
)

// Kind tags what a diff represents.
type Kind string

const (
	// KindInitial marks a document's first version. It is an explicit
	// marker, never an empty edit diff.
	KindInitial Kind = "initial"
	// KindEdit marks a transition between two existing versions.
	KindEdit Kind = "edit"
)

// InitialMarker is the unified text recorded for a document's first version.
const InitialMarker = "@@ document added @@"

// Section is one changed region, with 1-based line ranges on both sides.
type Section struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Excerpt  string `json:"excerpt"`
}

// Document is the tagged diff payload stored on a change event.
type Document struct {
	Kind     Kind      `json:"kind"`
	Unified  string    `json:"unified"`
	Sections []Section `json:"sections,omitempty"`
}

// Compute diffs two version contents. old == nil signals a first version and
// yields a KindInitial marker. Both sides are normalized the same way the
// fingerprint is, so the diff never reports whitespace-only noise that the
// hash would have suppressed.
func Compute(old, updated []byte) (Document, error) {
	if old == nil {
		return Document{Kind: KindInitial, Unified: InitialMarker}, nil
	}

	oldText := string(content.Normalize(old))
	newText := string(content.Normalize(updated))

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:       difflib.SplitLines(oldText),
		B:       difflib.SplitLines(newText),
		Context: 3,
	})
	if err != nil {
		return Document{}, fmt.Errorf("compute unified diff: %w", err)
	}

	doc := Document{Kind: KindEdit, Unified: unified}
	if unified == "" {
		return doc, nil
	}

	hunks, err := sgdiff.ParseHunks([]byte(unified))
	if err != nil {
		return Document{}, fmt.Errorf("parse diff hunks: %w", err)
	}
	for _, h := range hunks {
		doc.Sections = append(doc.Sections, Section{
			OldStart: int(h.OrigStartLine),
			OldLines: int(h.OrigLines),
			NewStart: int(h.NewStartLine),
			NewLines: int(h.NewLines),
			Excerpt:  string(h.Body),
		})
	}
	return doc, nil
}
