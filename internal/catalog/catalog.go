// Package catalog holds the static, ordered definition of the pipeline steps.
// A Catalog is immutable after construction and safe for concurrent use.
package catalog

import (
	"fmt"
	"sort"

	"github.com/pitabwire/claimflow/model"
)

// defaultSteps is the built-in claims pipeline.
var defaultSteps = []model.StepDefinition{
	{Name: model.StepUpload, Order: 1, Label: "Upload Documents"},
	{Name: model.StepProcess, Order: 2, Label: "OCR Processing"},
	{Name: model.StepReview, Order: 3, Label: "Review Extraction"},
	{Name: model.StepClaims, Order: 4, Label: "Claims"},
	{Name: model.StepMap, Order: 5, Label: "Map"},
	{Name: model.StepDecision, Order: 6, Label: "Decision Support"},
	{Name: model.StepReports, Order: 7, Label: "Reports"},
}

// Catalog is the ordered set of step definitions.
type Catalog struct {
	steps  []model.StepDefinition
	byName map[model.StepName]model.StepDefinition
}

// Default returns the built-in seven-step pipeline.
func Default() *Catalog {
	c, err := New(defaultSteps)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in steps invalid: %v", err))
	}
	return c
}

// New builds a Catalog from the given definitions after validating them.
func New(steps []model.StepDefinition) (*Catalog, error) {
	if errs := Validate(steps); len(errs) > 0 {
		return nil, errs
	}

	sorted := make([]model.StepDefinition, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	c := &Catalog{
		steps:  sorted,
		byName: make(map[model.StepName]model.StepDefinition, len(sorted)),
	}
	for _, s := range sorted {
		c.byName[s.Name] = s
	}
	return c, nil
}

// OrderedSteps returns the pipeline in ascending order. The returned slice is
// a copy.
func (c *Catalog) OrderedSteps() []model.StepDefinition {
	out := make([]model.StepDefinition, len(c.steps))
	copy(out, c.steps)
	return out
}

// LabelOf returns the human label of the named step, or "" if unknown.
func (c *Catalog) LabelOf(name model.StepName) string {
	return c.byName[name].Label
}

// OrderOf returns the 1-based order of the named step. It fails with an
// UNKNOWN_STEP validation error if the step is not in the catalog.
func (c *Catalog) OrderOf(name model.StepName) (int, error) {
	def, ok := c.byName[name]
	if !ok {
		return 0, model.NewUnknownStepError("stepName", name)
	}
	return def.Order, nil
}

// Has reports whether the named step is in the catalog.
func (c *Catalog) Has(name model.StepName) bool {
	_, ok := c.byName[name]
	return ok
}

// At returns the step with the given order.
func (c *Catalog) At(order int) (model.StepDefinition, bool) {
	if order < 1 || order > len(c.steps) {
		return model.StepDefinition{}, false
	}
	return c.steps[order-1], true
}

// Len returns the number of steps.
func (c *Catalog) Len() int {
	return len(c.steps)
}

// Neighbour returns the step offset positions away from name (+1 for next,
// -1 for previous). ok is false past either end or for unknown names.
func (c *Catalog) Neighbour(name model.StepName, offset int) (model.StepName, bool) {
	def, known := c.byName[name]
	if !known {
		return "", false
	}
	next, ok := c.At(def.Order + offset)
	if !ok {
		return "", false
	}
	return next.Name, true
}
