// Package openapi loads the service's API document and validates request
// bodies against the schemas of its operations.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/claimflow/model"
)

//go:embed api.yaml
var apiDocument []byte

// Document returns the embedded API document as served at /openapi.yaml.
func Document() []byte {
	return apiDocument
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// Index is an in-memory index of the document's operations keyed by
// operationId. It is read-only after Load and safe for concurrent use.
type Index struct {
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded API document.
func Load(ctx context.Context) (*Index, error) {
	return LoadData(ctx, apiDocument)
}

// LoadData parses and validates an API document and indexes its operations.
func LoadData(ctx context.Context, data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	idx := &Index{operations: make(map[string]IndexedOperation)}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
			}
		}
	}
	return idx, nil
}

// GetOperation returns the indexed operation with the given operationId.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// OperationIDs returns every indexed operationId, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest validates a decoded JSON request body against the
// operation's request schema. body is nil when the request had no body.
// Returns nil if the body is valid.
func (idx *Index) ValidateRequest(operationID string, body any) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []model.FieldError{{
			Code:    model.FieldInvalid,
			Message: fmt.Sprintf("operation %q not found", operationID),
		}}
	}
	if op.RequestBody == nil {
		return nil
	}
	if body == nil {
		if op.RequestBody.Required {
			return []model.FieldError{{Field: "body", Code: model.FieldRequired, Message: "request body is required"}}
		}
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	err := ct.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

// fieldErrors flattens kin-openapi schema errors into field errors.
func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return []model.FieldError{{Code: model.FieldInvalid, Message: err.Error()}}
	}
	code := model.FieldInvalid
	if se.SchemaField == "required" {
		code = model.FieldRequired
	}
	field := strings.Join(se.JSONPointer(), ".")
	if field == "" {
		field = "body"
	}
	return []model.FieldError{{Field: field, Code: code, Message: se.Reason}}
}
