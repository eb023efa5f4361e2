package catalogue

import (
	"fmt"
	"slices"
	"strings"
)

// PlanError lists every problem found in a phase plan.
type PlanError struct {
	Problems []string
}

func (e *PlanError) Error() string {
	return "invalid phase plan:\n  - " + strings.Join(e.Problems, "\n  - ")
}

type deferredColumn struct {
	entity string
	column string
	target string
}

// Validate checks the phase plan against the entity graph before a run:
// every reference target must be produced by an earlier step, every deferred
// column must be resolved after its target exists, and steps that commit on
// their own must sit alone in their phase.
func (c *Catalogue) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, e := range c.Entities {
		for _, r := range e.refs {
			target, ok := c.byName[r.Entity]
			if !ok {
				addf("entity %s: column %s references unknown entity %q", e.Name, r.Column, r.Entity)
			}
			if r.When != nil {
				if cond, ok := c.byName[r.When.Entity]; !ok {
					addf("entity %s: condition on %s names unknown entity %q", e.Name, r.Column, r.When.Entity)
				} else if cond.Key == "" {
					addf("entity %s: condition on %s needs %s to have a key", e.Name, r.Column, cond.Name)
				}
			}
			if r.SkipMatched {
				if e.Key == "" {
					addf("entity %s: skip_matched on %s needs a key column", e.Name, r.Column)
				}
				if ok && !target.Mapped() {
					addf("entity %s: skip_matched on %s needs %s to be mapped", e.Name, r.Column, r.Entity)
				}
			}
		}
		if e.KeyStrategy == KeyInherit {
			if _, ok := c.byName[e.KeyFrom]; !ok {
				addf("entity %s: key_from names unknown entity %q", e.Name, e.KeyFrom)
			}
		}
	}

	if len(c.Phases) == 0 {
		addf("no phases defined")
	}

	available := map[string]bool{}
	inserted := map[string]bool{}
	var pending []deferredColumn
	seen := map[string]bool{}

	for _, phase := range c.Phases {
		if phase.Name == "" {
			addf("phase without a name")
		}
		if seen[phase.Name] {
			addf("duplicate phase %q", phase.Name)
		}
		seen[phase.Name] = true
		if len(phase.Steps) == 0 {
			addf("phase %s: no steps", phase.Name)
		}

		for _, step := range phase.Steps {
			e, ok := c.byName[step.Entity]
			if !ok {
				addf("phase %s: unknown entity %q", phase.Name, step.Entity)
				continue
			}
			where := fmt.Sprintf("phase %s: %s %s", phase.Name, step.Action, e.Name)

			if (step.SubTransactionRows > 0 || step.Action == ActionParallel) && len(phase.Steps) > 1 {
				addf("%s: must be the only step of its phase", where)
			}

			switch step.Action {
			case ActionConsolidate:
				if len(e.Match) == 0 && e.UUIDColumn == "" {
					addf("%s: entity has neither match columns nor a uuid column", where)
				}
				for _, r := range e.refs {
					if r.Entity == e.Name {
						continue
					}
					if step.MatchOnly && !slices.Contains(e.Match, r.Column) {
						continue
					}
					if !r.Deferred && !available[r.Entity] {
						addf("%s: column %s needs %s migrated first", where, r.Column, r.Entity)
					}
				}
			case ActionMove, ActionParallel:
				if step.Action == ActionParallel && e.KeyStrategy != KeyAssign {
					addf("%s: parallel moves need key_strategy assign", where)
				}
				if e.KeyStrategy == KeyInherit && !available[e.KeyFrom] {
					addf("%s: key source %s is not migrated yet", where, e.KeyFrom)
				}
				for _, r := range e.refs {
					if !r.Deferred && !available[r.Entity] {
						addf("%s: column %s needs %s migrated first", where, r.Column, r.Entity)
					}
				}
			case ActionResolve:
				if !inserted[e.Name] {
					addf("%s: nothing inserted to resolve", where)
				}
				for _, col := range step.Columns {
					if r, ok := e.Ref(col); !ok || !r.Deferred {
						addf("%s: column %s is not a deferred reference", where, col)
					}
				}
				pending = slices.DeleteFunc(pending, func(d deferredColumn) bool {
					if d.entity != e.Name || !available[d.target] {
						return false
					}
					return len(step.Columns) == 0 || slices.Contains(step.Columns, d.column)
				})
				continue
			default:
				addf("phase %s: unknown action %q", phase.Name, step.Action)
				continue
			}

			if step.Inserts() {
				inserted[e.Name] = true
				for _, r := range e.DeferredRefs() {
					d := deferredColumn{entity: e.Name, column: r.Column, target: r.Entity}
					if !slices.Contains(pending, d) {
						pending = append(pending, d)
					}
				}
			}
			available[e.Name] = true
		}
	}

	for _, d := range pending {
		addf("deferred column %s.%s is never resolved after %s is migrated", d.entity, d.column, d.target)
	}

	if len(problems) > 0 {
		return &PlanError{Problems: problems}
	}
	return nil
}
