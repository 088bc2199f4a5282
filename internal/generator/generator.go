package generator

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/common/logger"
	"fleet-compiler/internal/models"
)

// Generator fills template skeletons with extracted entities. It holds no
// per-request state and is safe for concurrent use.
type Generator struct {
	loc    *time.Location
	now    func() time.Time
	logger logger.Logger
}

// New returns a Generator that reads zone-less dates in loc (UTC if nil) and
// resolves relative dates against the wall clock.
func New(loc *time.Location, log logger.Logger) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{loc: loc, now: time.Now, logger: logger.Component(log, "generator")}
}

// WithClock returns a copy of g that resolves relative dates against now.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	c := *g
	if now != nil {
		c.now = now
	}
	return &c
}

// Generate builds the request for a resolved template. When required fields
// are missing the result is still returned, with Success false, together with
// a MissingRequiredFieldError listing every missing field.
func (g *Generator) Generate(t *models.Template, bag models.EntityBag) (*models.GeneratedRequest, error) {
	if t == nil {
		return nil, apperrors.NewGenerationFailedError("no template", nil)
	}
	if err := CheckTemplate(t); err != nil {
		return nil, err
	}

	r := g.newRun(bag)

	endpoint, err := r.interpolateEndpoint(t.Endpoint)
	if err != nil {
		return nil, err
	}
	body, err := r.processMap("", t.Body)
	if err != nil {
		return nil, err
	}
	if len(r.failures) > 0 {
		return nil, apperrors.NewGenerationFailedError(strings.Join(r.failures, "; "), nil)
	}

	missing := r.missingFields(t.RequiredFields)
	req := &models.GeneratedRequest{
		TemplateID:            t.ID,
		Method:                strings.ToUpper(t.Method),
		Endpoint:              endpoint,
		Body:                  body,
		Success:               len(missing) == 0,
		MissingRequiredFields: missing,
		FieldConfidence:       r.confidence,
		Warnings:              r.warnings,
	}

	log := g.logger.WithFields(map[string]interface{}{"templateId": t.ID})
	if !req.Success {
		log.Warn("required fields missing", map[string]interface{}{"missingFields": missing})
		return req, req.Err()
	}
	log.Debug("request generated", map[string]interface{}{"fields": len(r.confidence)})
	return req, nil
}

// Substitute fills a bare skeleton. Only placeholders count as required.
func (g *Generator) Substitute(skeleton map[string]interface{}, bag models.EntityBag) (*models.GeneratedRequest, error) {
	return g.Generate(&models.Template{Body: skeleton}, bag)
}

type run struct {
	bag        models.EntityBag
	clock      clock
	missing    []string
	defaulted  map[string]bool
	confidence map[string]float64
	warnings   []string
	failures   []string
}

func (g *Generator) newRun(bag models.EntityBag) *run {
	return &run{
		bag:        bag,
		clock:      clock{loc: g.loc, now: g.now},
		defaulted:  map[string]bool{},
		confidence: map[string]float64{},
	}
}

// missingFields orders template-declared fields first, then placeholders in
// the order they were met.
func (r *run) missingFields(required []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, name := range required {
		if seen[name] {
			continue
		}
		v, _, present := r.bag.Lookup(name)
		if (!present || v == nil) && !r.defaulted[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range r.missing {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

type outcome int

const (
	resolved outcome = iota
	omitted
	missing
)

// eval runs one placeholder's filter chain left to right.
func (r *run) eval(path string, e expr) (interface{}, float64, outcome) {
	v, conf, present := r.bag.Lookup(e.name)
	absent := !present || v == nil

	for _, f := range e.filters {
		switch f.name {
		case "default":
			if absent {
				v, conf, absent = defaultValue(f.arg), 1, false
				r.defaulted[e.name] = true
			}
		case "optional":
			if absent {
				return nil, 0, omitted
			}
		default:
			if absent || v == nil {
				continue
			}
			spec := filters[f.name]
			nv, err := spec.apply(v, r.clock)
			if err != nil {
				msg := fmt.Sprintf("%s: %s filter: %v", displayPath(path), f.name, err)
				if spec.soft {
					r.warnings = append(r.warnings, msg)
					continue
				}
				r.failures = append(r.failures, msg)
				continue
			}
			v = nv
		}
	}

	if absent {
		r.missing = append(r.missing, e.name)
		return nil, 0, missing
	}
	return v, conf, resolved
}

// defaultValue reads the literal null as an explicit JSON null.
func defaultValue(arg string) interface{} {
	if arg == "null" {
		return nil
	}
	return arg
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func (r *run) processMap(path string, m map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	if m == nil {
		return out, nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var merges []string
	for _, k := range keys {
		kind, name, guard, err := parseKey(k)
		if err != nil {
			return nil, err
		}
		switch kind {
		case guardedObject:
			merges = append(merges, k)
			continue
		case guardedKey:
			if !guard.holds(r.bag) {
				continue
			}
		}

		val, keep, err := r.processValue(joinPath(path, name), m[k])
		if err != nil {
			return nil, err
		}
		if keep {
			out[name] = val
		}
	}

	for _, k := range merges {
		_, _, guard, _ := parseKey(k)
		if !guard.holds(r.bag) {
			continue
		}
		inner, ok := m[k].(map[string]interface{})
		if !ok {
			return nil, apperrors.NewGenerationFailedError(fmt.Sprintf("block key %q must hold an object", k), nil)
		}
		merged, err := r.processMap(path, inner)
		if err != nil {
			return nil, err
		}
		for ik, iv := range merged {
			out[ik] = iv
		}
	}
	return out, nil
}

func (r *run) processValue(path string, v interface{}) (interface{}, bool, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		m, err := r.processMap(path, val)
		return m, true, err
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for i, item := range val {
			iv, keep, err := r.processValue(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out = append(out, iv)
			}
		}
		return out, true, nil
	case string:
		return r.processString(path, val)
	default:
		return v, true, nil
	}
}

// processString resolves inline blocks, then placeholders. A string that is
// exactly one placeholder keeps the entity's type; anything else
// interpolates to a string. An omitted placeholder removes the whole field.
func (r *run) processString(path, s string) (interface{}, bool, error) {
	text, err := r.applyBlocks(s)
	if err != nil {
		return nil, false, err
	}

	matches := placeholderRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, true, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(text) {
		e, err := parseExpr(text[matches[0][2]:matches[0][3]])
		if err != nil {
			return nil, false, err
		}
		v, conf, res := r.eval(path, e)
		switch res {
		case omitted:
			return nil, false, nil
		case missing:
			return nil, true, nil
		}
		r.confidence[path] = conf
		return v, true, nil
	}

	var (
		b          strings.Builder
		cursor     int
		lowest     = 1.0
		anyMissing bool
	)
	for _, m := range matches {
		b.WriteString(text[cursor:m[0]])
		cursor = m[1]

		e, err := parseExpr(text[m[2]:m[3]])
		if err != nil {
			return nil, false, err
		}
		v, conf, res := r.eval(path, e)
		switch res {
		case omitted:
			return nil, false, nil
		case missing:
			anyMissing = true
			continue
		}
		lowest = min(lowest, conf)
		b.WriteString(Stringify(v))
	}
	b.WriteString(text[cursor:])

	if anyMissing {
		return nil, true, nil
	}
	r.confidence[path] = lowest
	return b.String(), true, nil
}

// applyBlocks keeps guarded text only when its condition holds. Excluded
// text is dropped before placeholders are looked at.
func (r *run) applyBlocks(s string) (string, error) {
	segments, err := splitBlocks(s)
	if err != nil {
		return "", err
	}
	if len(segments) == 1 && segments[0].guard == nil {
		return s, nil
	}
	var b strings.Builder
	for _, seg := range segments {
		if seg.guard == nil || seg.guard.holds(r.bag) {
			b.WriteString(seg.text)
		}
	}
	return b.String(), nil
}

// interpolateEndpoint fills path placeholders, escaping each value.
func (r *run) interpolateEndpoint(endpoint string) (string, error) {
	text, err := r.applyBlocks(endpoint)
	if err != nil {
		return "", err
	}
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		e, err := parseExpr(sub[1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		v, _, res := r.eval("endpoint", e)
		if res != resolved {
			return ""
		}
		return url.PathEscape(Stringify(v))
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
