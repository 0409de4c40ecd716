package assess

import (
	"context"
	"fmt"
	"strings"
)

// HeuristicProvider is a deterministic fallback used when no generation
// service is configured (local development) and as a predictable seam in
// tests. It derives a crude judgment from diff shape alone.
type HeuristicProvider struct{}

// NewHeuristicProvider creates the fallback provider.
func NewHeuristicProvider() *HeuristicProvider {
	return &HeuristicProvider{}
}

func (p *HeuristicProvider) Assess(_ context.Context, req Request) (Result, error) {
	added, removed := 0, 0
	for _, line := range strings.Split(req.DiffText, "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}

	priority := "low"
	switch {
	case added+removed > 20:
		priority = "high"
	case added+removed > 5:
		priority = "medium"
	}

	return Result{
		Summary:    fmt.Sprintf("Document %s changed: %d lines added, %d removed.", req.ExternalID, added, removed),
		Actions:    []string{"Review the updated sections against current obligations."},
		Priority:   priority,
		Confidence: 0.5,
	}, nil
}
