// Package catalogue describes the entity types of a source application and the
// ordered phase plan the engine runs over them.
package catalogue

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed openmrs.yaml
var openmrsYAML []byte

// KeyStrategy says how an entity's destination primary key is produced.
type KeyStrategy string

const (
	// KeyAssign gives each moved row the next free destination id.
	KeyAssign KeyStrategy = "assign"
	// KeyInherit takes the key from another entity's identity map
	// (patient.patient_id is a person id).
	KeyInherit KeyStrategy = "inherit"
	// KeyNatural copies a business key that is also the primary key.
	KeyNatural KeyStrategy = "natural"
	// KeyNone is for link tables without a surrogate key.
	KeyNone KeyStrategy = "none"
)

// Reference is one foreign-key column.
type Reference struct {
	Column   string `yaml:"column" json:"column"`
	Entity   string `yaml:"entity" json:"entity"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	// Deferred columns are written as Placeholder (or null) and patched by
	// a later resolve step.
	Deferred    bool   `yaml:"deferred,omitempty" json:"deferred,omitempty"`
	Placeholder *int64 `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	// When limits the reference to some rows; the column is copied as is
	// everywhere else.
	When *Condition `yaml:"when,omitempty" json:"when,omitempty"`
	// SkipMatched rows whose target was matched to an existing destination
	// row are not moved.
	SkipMatched bool `yaml:"skip_matched,omitempty" json:"skip_matched,omitempty"`
}

// Condition selects rows whose Column holds the source key of an Entity row
// matching Where. Where is evaluated against the source database.
type Condition struct {
	Column string `yaml:"column" json:"column"`
	Entity string `yaml:"entity" json:"entity"`
	Where  string `yaml:"where,omitempty" json:"where,omitempty"`
}

// Entity is one table of the source application.
type Entity struct {
	Name             string          `yaml:"name" json:"name"`
	Table            string          `yaml:"table,omitempty" json:"table"`
	Key              string          `yaml:"key,omitempty" json:"key,omitempty"`
	KeyStrategy      KeyStrategy     `yaml:"key_strategy,omitempty" json:"key_strategy"`
	KeyFrom          string          `yaml:"key_from,omitempty" json:"key_from,omitempty"`
	OrderBy          []string        `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Where            string          `yaml:"where,omitempty" json:"where,omitempty"`
	UUIDColumn       string          `yaml:"uuid_column,omitempty" json:"uuid_column,omitempty"`
	Match            []string        `yaml:"match,omitempty" json:"match,omitempty"`
	References       []Reference     `yaml:"references,omitempty" json:"references,omitempty"`
	Fixed            map[int64]int64 `yaml:"fixed,omitempty" json:"fixed,omitempty"`
	IgnoreDuplicates bool            `yaml:"ignore_duplicates,omitempty" json:"ignore_duplicates,omitempty"`
	Optional         bool            `yaml:"optional,omitempty" json:"optional,omitempty"`
	Audit            *bool           `yaml:"audit,omitempty" json:"audit,omitempty"`

	refs []Reference
}

// Refs returns the effective references: catalogue defaults overridden by
// the entity's own declarations, self references always deferred.
func (e *Entity) Refs() []Reference {
	return e.refs
}

// Ref returns the effective reference declared for column.
func (e *Entity) Ref(column string) (Reference, bool) {
	for _, r := range e.refs {
		if r.Column == column {
			return r, true
		}
	}
	return Reference{}, false
}

// SkipMatchedRefs returns the references whose matched targets exclude the
// row.
func (e *Entity) SkipMatchedRefs() []Reference {
	var out []Reference
	for _, r := range e.refs {
		if r.SkipMatched {
			out = append(out, r)
		}
	}
	return out
}

// DeferredRefs returns the references patched after insert.
func (e *Entity) DeferredRefs() []Reference {
	var out []Reference
	for _, r := range e.refs {
		if r.Deferred {
			out = append(out, r)
		}
	}
	return out
}

// OrderColumns is the paging order; the key breaks ties.
func (e *Entity) OrderColumns() []string {
	cols := slices.Clone(e.OrderBy)
	if e.Key != "" && !slices.Contains(cols, e.Key) {
		cols = append(cols, e.Key)
	}
	return cols
}

// Mapped reports whether moving the entity produces identity map entries.
func (e *Entity) Mapped() bool {
	return e.KeyStrategy == KeyAssign || e.KeyStrategy == KeyInherit
}

// Action is what a step does to its entity.
type Action string

const (
	ActionConsolidate Action = "consolidate"
	ActionMove        Action = "move"
	ActionParallel    Action = "parallel"
	ActionResolve     Action = "resolve"
)

// Step is one mover invocation.
type Step struct {
	Action             Action   `yaml:"action" json:"action"`
	Entity             string   `yaml:"entity" json:"entity"`
	Where              string   `yaml:"where,omitempty" json:"where,omitempty"`
	MatchOnly          bool     `yaml:"match_only,omitempty" json:"match_only,omitempty"`
	Columns            []string `yaml:"columns,omitempty" json:"columns,omitempty"`
	SubTransactionRows int      `yaml:"sub_transaction_rows,omitempty" json:"sub_transaction_rows,omitempty"`
	Workers            int      `yaml:"workers,omitempty" json:"workers,omitempty"`
	PageSize           int      `yaml:"page_size,omitempty" json:"page_size,omitempty"`
}

// Inserts reports whether the step can write rows of its entity.
func (s Step) Inserts() bool {
	switch s.Action {
	case ActionMove, ActionParallel:
		return true
	case ActionConsolidate:
		return !s.MatchOnly
	}
	return false
}

// Phase groups steps that commit together.
type Phase struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Catalogue is the parsed entity catalogue plus its phase plan.
type Catalogue struct {
	Defaults struct {
		References []Reference `yaml:"references"`
	} `yaml:"defaults"`
	Entities []*Entity `yaml:"entities"`
	Phases   []Phase   `yaml:"phases"`

	byName map[string]*Entity
}

// OpenMRS returns the built-in OpenMRS catalogue.
func OpenMRS() (*Catalogue, error) {
	return Parse(openmrsYAML)
}

// Load reads a catalogue file. An empty path loads the built-in catalogue.
func Load(path string) (*Catalogue, error) {
	if path == "" {
		return OpenMRS()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue: %w", err)
	}
	return Parse(data)
}

// Parse decodes and prepares a catalogue document.
func Parse(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalogue: %w", err)
	}
	if err := c.prepare(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Entity looks up an entity by name.
func (c *Catalogue) Entity(name string) (*Entity, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// PhaseNames returns the phase names in execution order.
func (c *Catalogue) PhaseNames() []string {
	names := make([]string, len(c.Phases))
	for i, p := range c.Phases {
		names[i] = p.Name
	}
	return names
}

func (c *Catalogue) prepare() error {
	c.byName = make(map[string]*Entity, len(c.Entities))
	for _, e := range c.Entities {
		if e.Name == "" {
			return fmt.Errorf("catalogue entity without a name")
		}
		if _, dup := c.byName[e.Name]; dup {
			return fmt.Errorf("duplicate catalogue entity %q", e.Name)
		}
		c.byName[e.Name] = e

		if e.Table == "" {
			e.Table = e.Name
		}
		if e.KeyStrategy == "" {
			e.KeyStrategy = KeyAssign
		}
		switch e.KeyStrategy {
		case KeyAssign, KeyInherit, KeyNatural:
			if e.Key == "" {
				return fmt.Errorf("entity %s: key_strategy %s needs a key column", e.Name, e.KeyStrategy)
			}
		case KeyNone:
		default:
			return fmt.Errorf("entity %s: unknown key_strategy %q", e.Name, e.KeyStrategy)
		}
		if len(e.OrderBy) == 0 && e.Key == "" {
			return fmt.Errorf("entity %s: order_by is required without a key", e.Name)
		}

		var refs []Reference
		if e.Audit == nil || *e.Audit {
			refs = append(refs, c.Defaults.References...)
		}
		for _, r := range e.References {
			if r.When != nil && (r.When.Column == "" || r.When.Entity == "") {
				return fmt.Errorf("entity %s: condition on %s needs a column and an entity", e.Name, r.Column)
			}
			if i := slices.IndexFunc(refs, func(x Reference) bool { return x.Column == r.Column }); i >= 0 {
				refs[i] = r
			} else {
				refs = append(refs, r)
			}
		}
		for i := range refs {
			if refs[i].Entity == e.Name {
				refs[i].Deferred = true
			}
		}
		e.refs = refs
	}
	return nil
}
