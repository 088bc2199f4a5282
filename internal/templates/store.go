package templates

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/common/metrics"
	"fleet-compiler/internal/models"
	"fleet-compiler/pkg/registry"
)

const DefaultMaxDepth = 16

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Source yields the raw template definitions.
type Source func() ([]models.Template, error)

// DirectorySource reads every template file in dir.
func DirectorySource(dir string) Source {
	return func() ([]models.Template, error) {
		return registry.LoadDirectory(dir)
	}
}

// StaticSource serves a fixed set, mostly for tests.
func StaticSource(ts ...models.Template) Source {
	return func() ([]models.Template, error) {
		out := make([]models.Template, len(ts))
		for i := range ts {
			out[i] = deepCopyTemplate(ts[i])
		}
		return out, nil
	}
}

// Checker inspects a resolved template, e.g. for placeholder syntax.
type Checker func(t *models.Template) error

type Options struct {
	MaxDepth int
	Checker  Checker
}

// Store holds raw and resolved templates. Reads are concurrent; Reload swaps
// both sets under the write lock and keeps the previous set on failure.
type Store struct {
	source   Source
	maxDepth int
	checker  Checker
	logger   logger.Logger

	mu       sync.RWMutex
	raw      map[string]models.Template
	resolved map[string]*models.Template
}

func NewStore(source Source, opts Options, log logger.Logger) *Store {
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return &Store{
		source:   source,
		maxDepth: depth,
		checker:  opts.Checker,
		logger:   logger.Component(log, "templates"),
		raw:      map[string]models.Template{},
		resolved: map[string]*models.Template{},
	}
}

// Load is the startup load; it is Reload under another name.
func (s *Store) Load() error {
	return s.Reload()
}

// Reload re-reads the source, validates and resolves every template and
// replaces the cache. Nothing changes if any template is invalid.
func (s *Store) Reload() (err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.TemplateReloads.WithLabelValues(result).Inc()
	}()

	defs, err := s.source()
	if err != nil {
		return apperrors.NewTemplateInvalidError("*", err.Error())
	}

	raw := make(map[string]models.Template, len(defs))
	for _, t := range defs {
		if err := checkShape(t); err != nil {
			return err
		}
		if _, dup := raw[t.ID]; dup {
			return apperrors.NewTemplateInvalidError(t.ID, "duplicate template id")
		}
		raw[t.ID] = t
	}

	resolved := make(map[string]*models.Template, len(raw))
	for id := range raw {
		r, err := resolveIn(raw, id, s.maxDepth)
		if err != nil {
			return err
		}
		if !r.Abstract {
			if err := checkConcrete(r); err != nil {
				return err
			}
			if s.checker != nil {
				if err := s.checker(r); err != nil {
					return apperrors.NewTemplateInvalidError(id, err.Error())
				}
			}
		}
		resolved[id] = r
	}

	s.mu.Lock()
	s.raw = raw
	s.resolved = resolved
	s.mu.Unlock()

	s.logger.Info("templates loaded", map[string]interface{}{"count": len(raw)})
	return nil
}

// Select returns the best concrete template for intent, or nil. Higher
// priority wins; equal priorities fall back to the lexically smallest id.
func (s *Store) Select(intent string) *models.Template {
	candidates := s.ByIntent(intent)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// SelectResolved is Select that fails with TemplateNotFound.
func (s *Store) SelectResolved(intent string) (*models.Template, error) {
	t := s.Select(intent)
	if t == nil {
		return nil, apperrors.NewTemplateNotFoundError(intent)
	}
	return t, nil
}

// ByIntent lists concrete resolved templates for intent in selection order.
func (s *Store) ByIntent(intent string) []*models.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Template
	for _, t := range s.resolved {
		if !t.Abstract && t.Intent == intent {
			out = append(out, copyPtr(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the resolved template with id.
func (s *Store) Get(id string) (*models.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.resolved[id]
	if !ok {
		return nil, false
	}
	return copyPtr(t), true
}

// List returns every resolved template, abstract ones included, by id.
func (s *Store) List() []*models.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Template, 0, len(s.resolved))
	for _, t := range s.resolved {
		out = append(out, copyPtr(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Intents lists the intents that have at least one concrete template.
func (s *Store) Intents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	for _, t := range s.resolved {
		if !t.Abstract && t.Intent != "" {
			seen[t.Intent] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fields returns the field names a request for intent may need: required
// fields and placeholder names of the selected template.
func (s *Store) Fields(intent string) []string {
	t := s.Select(intent)
	if t == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, f := range t.RequiredFields {
		add(f)
	}
	for _, f := range PlaceholderNames(t.Body) {
		add(f)
	}
	return out
}

// Resolve returns t with its extends chain applied. Already resolved
// templates come back unchanged.
func (s *Store) Resolve(t models.Template) (*models.Template, error) {
	if t.Extends == "" {
		c := deepCopyTemplate(t)
		if c.ResolvedFrom == nil {
			c.ResolvedFrom = []string{}
		}
		return &c, nil
	}

	s.mu.RLock()
	raw := make(map[string]models.Template, len(s.raw)+1)
	for k, v := range s.raw {
		raw[k] = v
	}
	s.mu.RUnlock()

	raw[t.ID] = t
	return resolveIn(raw, t.ID, s.maxDepth)
}

func checkShape(t models.Template) error {
	if strings.TrimSpace(t.ID) == "" {
		return apperrors.NewTemplateInvalidError("(unnamed)", "id is required")
	}
	if t.Extends == t.ID {
		return apperrors.NewTemplateCycleError([]string{t.ID, t.ID})
	}
	if t.Method != "" && !allowedMethods[strings.ToUpper(t.Method)] {
		return apperrors.NewTemplateInvalidError(t.ID, fmt.Sprintf("unsupported method %q", t.Method))
	}
	for _, r := range schemaRules(t.Schema) {
		if r.Severity != "" && r.Severity != "error" && r.Severity != "warning" {
			return apperrors.NewTemplateInvalidError(t.ID, fmt.Sprintf("rule %s: severity must be error or warning", r.Name))
		}
	}
	return nil
}

func checkConcrete(t *models.Template) error {
	switch {
	case t.Intent == "":
		return apperrors.NewTemplateInvalidError(t.ID, "intent is required")
	case t.Endpoint == "":
		return apperrors.NewTemplateInvalidError(t.ID, "endpoint is required")
	case t.Method == "":
		return apperrors.NewTemplateInvalidError(t.ID, "method is required")
	}
	return nil
}

func schemaRules(s *models.Schema) []models.RuleSpec {
	if s == nil {
		return nil
	}
	return s.Rules
}

func copyPtr(t *models.Template) *models.Template {
	c := deepCopyTemplate(*t)
	return &c
}
