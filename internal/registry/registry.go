// Package registry holds the static catalog of procedure categories and the ordered step
// template each category instantiates. The catalog is built once and never mutated; every
// accessor hands out copies.
package registry

import (
	"fmt"
	"strings"

	"github.com/pranav-miglani/dental-record/internal/apperr"
)

// Category is a treatment type that selects a step template.
type Category string

// StepType identifies a clinical checkpoint within a template.
type StepType string

// StepDefinition is one entry of a procedure template. Entries with a ParentStepType are
// nested sub-steps shown under their parent; they never gate closure and never produce a
// step row of their own.
type StepDefinition struct {
	StepType       StepType `json:"step_type" yaml:"step_type"`
	DisplayName    string   `json:"display_name" yaml:"display_name"`
	Mandatory      bool     `json:"mandatory" yaml:"mandatory"`
	ParentStepType StepType `json:"parent_step_type,omitempty" yaml:"parent_step_type,omitempty"`
}

// IsTopLevel reports whether the entry has no parent.
func (d StepDefinition) IsTopLevel() bool {
	return d.ParentStepType == ""
}

// Definition is the template for one category.
type Definition struct {
	Category    Category         `json:"category" yaml:"category"`
	DisplayName string           `json:"display_name" yaml:"display_name"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
}

func (d Definition) clone() Definition {
	out := d
	out.Steps = append([]StepDefinition(nil), d.Steps...)
	return out
}

// Registry maps categories to their definitions.
type Registry struct {
	defs  map[Category]Definition
	order []Category
}

// New validates and indexes the given definitions. Categories must be unique, and every
// nested entry must name a top-level step declared earlier in the same template.
func New(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[Category]Definition, len(defs))}
	for _, def := range defs {
		if def.Category == "" {
			return nil, fmt.Errorf("definition without category")
		}
		if _, dup := r.defs[def.Category]; dup {
			return nil, fmt.Errorf("duplicate definition for category %s", def.Category)
		}
		topLevel := make(map[StepType]bool)
		for i, step := range def.Steps {
			if step.StepType == "" {
				return nil, fmt.Errorf("category %s: step %d has no type", def.Category, i)
			}
			if step.IsTopLevel() {
				if topLevel[step.StepType] {
					return nil, fmt.Errorf("category %s: duplicate top-level step %s", def.Category, step.StepType)
				}
				topLevel[step.StepType] = true
				continue
			}
			if !topLevel[step.ParentStepType] {
				return nil, fmt.Errorf("category %s: step %q references unknown parent %s",
					def.Category, step.DisplayName, step.ParentStepType)
			}
		}
		r.defs[def.Category] = def.clone()
		r.order = append(r.order, def.Category)
	}
	return r, nil
}

// MustNew is New for static catalogs; it panics on an invalid definition.
func MustNew(defs ...Definition) *Registry {
	r, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseCategory normalizes user input such as " rct " to a Category.
func ParseCategory(s string) Category {
	return Category(strings.ToUpper(strings.TrimSpace(s)))
}

// Categories returns the registered categories in registration order.
func (r *Registry) Categories() []Category {
	return append([]Category(nil), r.order...)
}

// DefinitionFor returns the template for category or an UnknownCategory error.
func (r *Registry) DefinitionFor(category Category) (Definition, error) {
	def, ok := r.defs[category]
	if !ok {
		return Definition{}, apperr.UnknownCategory(string(category))
	}
	return def.clone(), nil
}

// AllSteps returns the full template including nested entries. Display use only.
func (r *Registry) AllSteps(category Category) ([]StepDefinition, error) {
	def, err := r.DefinitionFor(category)
	if err != nil {
		return nil, err
	}
	return def.Steps, nil
}

// TopLevelSteps returns the entries that become step rows when a procedure is created.
func (r *Registry) TopLevelSteps(category Category) ([]StepDefinition, error) {
	def, ok := r.defs[category]
	if !ok {
		return nil, apperr.UnknownCategory(string(category))
	}
	out := make([]StepDefinition, 0, len(def.Steps))
	for _, step := range def.Steps {
		if step.IsTopLevel() {
			out = append(out, step)
		}
	}
	return out, nil
}

// MandatoryTopLevelSteps returns, in template order, the step types that must be done
// before a procedure may close.
func (r *Registry) MandatoryTopLevelSteps(category Category) ([]StepType, error) {
	steps, err := r.TopLevelSteps(category)
	if err != nil {
		return nil, err
	}
	out := make([]StepType, 0, len(steps))
	for _, step := range steps {
		if step.Mandatory {
			out = append(out, step.StepType)
		}
	}
	return out, nil
}
