// Package prompts holds the parameterized instruction templates sent to the
// LLM backend and renders them with per-call variables.
//
// Templates are opaque text with {{name}} placeholders. Rendering is pure:
// no I/O, no side effects. Unknown template names and missing variables are
// configuration-time errors and should be treated as fatal by callers.
package prompts

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Sentinel errors for template rendering.
var (
	// ErrTemplateNotFound is returned for an unknown template name.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrMissingVariable is returned when a required placeholder has no
	// value in the provided variables.
	ErrMissingVariable = errors.New("missing template variable")
)

// Template names for the three enrichment stages.
const (
	TemplateClassify          = "classify"
	TemplateEstimateTime      = "estimate_time"
	TemplateRecommendPriority = "recommend_priority"
)

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Store is a registry of named prompt templates.
type Store struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewStore creates a store preloaded with the built-in enrichment templates.
func NewStore() *Store {
	s := &Store{templates: make(map[string]string)}
	s.Register(TemplateClassify, classifyTemplate)
	s.Register(TemplateEstimateTime, estimateTimeTemplate)
	s.Register(TemplateRecommendPriority, recommendPriorityTemplate)
	return s
}

// Register adds or replaces a template. Replacing a built-in template is how
// deployments version prompt content without code changes.
func (s *Store) Register(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[name] = content
}

// Names returns the registered template names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	return names
}

// Render substitutes vars into the named template. Every placeholder in the
// template must have a value; extra vars are ignored.
func (s *Store) Render(name string, vars map[string]string) (string, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}

	var missing []string
	rendered := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s in template %q",
			ErrMissingVariable, strings.Join(missing, ", "), name)
	}
	return rendered, nil
}
