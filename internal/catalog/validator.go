package catalog

import (
	"fmt"
	"strings"

	"github.com/pitabwire/claimflow/model"
)

// VError describes a single validation error in a catalog definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// VErrors is a list of validation errors. It implements error.
type VErrors []VError

func (es VErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Validate checks that step names are unique and have a payload type, labels
// are present, and orders are exactly 1..n with no gaps.
func Validate(steps []model.StepDefinition) VErrors {
	var errs VErrors
	if len(steps) == 0 {
		return VErrors{{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"}}
	}

	names := make(map[model.StepName]bool, len(steps))
	orders := make(map[int]bool, len(steps))

	for i, s := range steps {
		p := fmt.Sprintf("steps[%d]", i)

		switch {
		case s.Name == "":
			errs = append(errs, VError{Path: p + ".name", Code: "REQUIRED", Message: "name is required"})
		case names[s.Name]:
			errs = append(errs, VError{Path: p + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step %q", s.Name)})
		case !model.HasPayloadType(s.Name):
			errs = append(errs, VError{Path: p + ".name", Code: "UNKNOWN_STEP", Message: fmt.Sprintf("step %q has no payload type", s.Name)})
		}
		names[s.Name] = true

		if s.Label == "" {
			errs = append(errs, VError{Path: p + ".label", Code: "REQUIRED", Message: "label is required"})
		}

		if s.Order < 1 || s.Order > len(steps) {
			errs = append(errs, VError{Path: p + ".order", Code: "OUT_OF_RANGE", Message: fmt.Sprintf("order %d must be between 1 and %d", s.Order, len(steps))})
		} else if orders[s.Order] {
			errs = append(errs, VError{Path: p + ".order", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate order %d", s.Order)})
		}
		orders[s.Order] = true
	}

	return errs
}
