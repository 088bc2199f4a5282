package templates

import (
	"fmt"
	"sort"

	apperrors "fleet-compiler/internal/common/errors"
	"fleet-compiler/internal/models"
)

// Problem is one lint finding for one template.
type Problem struct {
	TemplateID string
	Err        error
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %v", p.TemplateID, p.Err)
}

// Lint runs the checks Reload applies but reports every failing template
// instead of stopping at the first. Problems are sorted by template id.
func Lint(defs []models.Template, maxDepth int, checker Checker) []Problem {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var problems []Problem
	raw := make(map[string]models.Template, len(defs))
	for _, t := range defs {
		if err := checkShape(t); err != nil {
			problems = append(problems, Problem{TemplateID: t.ID, Err: err})
			continue
		}
		if _, dup := raw[t.ID]; dup {
			problems = append(problems, Problem{TemplateID: t.ID, Err: apperrors.NewTemplateInvalidError(t.ID, "duplicate template id")})
			continue
		}
		raw[t.ID] = t
	}

	for id := range raw {
		r, err := resolveIn(raw, id, maxDepth)
		if err != nil {
			problems = append(problems, Problem{TemplateID: id, Err: err})
			continue
		}
		if r.Abstract {
			continue
		}
		if err := checkConcrete(r); err != nil {
			problems = append(problems, Problem{TemplateID: id, Err: err})
			continue
		}
		if checker != nil {
			if err := checker(r); err != nil {
				problems = append(problems, Problem{TemplateID: id, Err: err})
			}
		}
	}

	sort.SliceStable(problems, func(i, j int) bool { return problems[i].TemplateID < problems[j].TemplateID })
	return problems
}
