package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepPayload is the typed data attached to one pipeline step. Each catalog
// step has exactly one payload type, so fields written for one step cannot
// leak into another.
type StepPayload interface {
	StepName() StepName
	Validate() []FieldError
}

// UploadPayload describes the documents received by the upload step.
type UploadPayload struct {
	DocumentIDs []string `json:"documentIds,omitempty"`
	FileNames   []string `json:"fileNames,omitempty"`
	TotalBytes  int64    `json:"totalBytes,omitempty"`
}

// ProcessPayload carries the OCR outcome for the uploaded documents.
type ProcessPayload struct {
	OCRStatus       string            `json:"ocrStatus,omitempty"`
	Confidence      float64           `json:"confidence,omitempty"`
	ExtractedFields map[string]string `json:"extractedFields,omitempty"`
	DocumentIDs     []string          `json:"documentIds,omitempty"`
}

// ReviewPayload records the human review of extracted data.
type ReviewPayload struct {
	ReviewStatus    string            `json:"reviewStatus,omitempty"`
	ReviewedBy      string            `json:"reviewedBy,omitempty"`
	Comments        string            `json:"comments,omitempty"`
	CorrectedFields map[string]string `json:"correctedFields,omitempty"`
}

// ClaimsPayload links the workflow to the claims it produced.
type ClaimsPayload struct {
	ClaimIDs     []string `json:"claimIds,omitempty"`
	ClaimantName string   `json:"claimantName,omitempty"`
	District     string   `json:"district,omitempty"`
	State        string   `json:"state,omitempty"`
	Area         float64  `json:"area,omitempty"`
	LandType     string   `json:"landType,omitempty"`
}

// MapPayload holds the plotted location of the claim.
type MapPayload struct {
	Latitude  float64      `json:"latitude,omitempty"`
	Longitude float64      `json:"longitude,omitempty"`
	Boundary  [][2]float64 `json:"boundary,omitempty"`
	Village   string       `json:"village,omitempty"`
}

// DecisionPayload holds the decision-support outcome.
type DecisionPayload struct {
	Recommendation string   `json:"recommendation,omitempty"`
	Score          float64  `json:"score,omitempty"`
	Schemes        []string `json:"schemes,omitempty"`
	Approved       *bool    `json:"approved,omitempty"`
}

// ReportsPayload lists the generated reports.
type ReportsPayload struct {
	ReportIDs   []string   `json:"reportIds,omitempty"`
	Format      string     `json:"format,omitempty"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
}

func (UploadPayload) StepName() StepName   { return StepUpload }
func (ProcessPayload) StepName() StepName  { return StepProcess }
func (ReviewPayload) StepName() StepName   { return StepReview }
func (ClaimsPayload) StepName() StepName   { return StepClaims }
func (MapPayload) StepName() StepName      { return StepMap }
func (DecisionPayload) StepName() StepName { return StepDecision }
func (ReportsPayload) StepName() StepName  { return StepReports }

func (p UploadPayload) Validate() []FieldError {
	if p.TotalBytes < 0 {
		return []FieldError{fieldInvalid("data.totalBytes", "must not be negative")}
	}
	return nil
}

func (p ProcessPayload) Validate() []FieldError {
	var errs []FieldError
	if !oneOf(p.OCRStatus, "", "pending", "processing", "completed", "failed") {
		errs = append(errs, fieldInvalid("data.ocrStatus", "must be one of pending, processing, completed, failed"))
	}
	if p.Confidence < 0 || p.Confidence > 100 {
		errs = append(errs, fieldInvalid("data.confidence", "must be between 0 and 100"))
	}
	return errs
}

func (p ReviewPayload) Validate() []FieldError {
	if !oneOf(p.ReviewStatus, "", "pending", "approved", "rejected") {
		return []FieldError{fieldInvalid("data.reviewStatus", "must be one of pending, approved, rejected")}
	}
	return nil
}

func (p ClaimsPayload) Validate() []FieldError {
	var errs []FieldError
	if p.Area < 0 {
		errs = append(errs, fieldInvalid("data.area", "must not be negative"))
	}
	if !oneOf(p.LandType, "", "individual", "community") {
		errs = append(errs, fieldInvalid("data.landType", "must be individual or community"))
	}
	return errs
}

func (p MapPayload) Validate() []FieldError {
	var errs []FieldError
	if p.Latitude < -90 || p.Latitude > 90 {
		errs = append(errs, fieldInvalid("data.latitude", "must be between -90 and 90"))
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		errs = append(errs, fieldInvalid("data.longitude", "must be between -180 and 180"))
	}
	return errs
}

func (p DecisionPayload) Validate() []FieldError {
	if p.Score < 0 || p.Score > 100 {
		return []FieldError{fieldInvalid("data.score", "must be between 0 and 100")}
	}
	return nil
}

func (p ReportsPayload) Validate() []FieldError {
	if !oneOf(p.Format, "", "pdf", "csv", "xlsx") {
		return []FieldError{fieldInvalid("data.format", "must be one of pdf, csv, xlsx")}
	}
	return nil
}

var payloadTypes = map[StepName]func() StepPayload{
	StepUpload:   func() StepPayload { return &UploadPayload{} },
	StepProcess:  func() StepPayload { return &ProcessPayload{} },
	StepReview:   func() StepPayload { return &ReviewPayload{} },
	StepClaims:   func() StepPayload { return &ClaimsPayload{} },
	StepMap:      func() StepPayload { return &MapPayload{} },
	StepDecision: func() StepPayload { return &DecisionPayload{} },
	StepReports:  func() StepPayload { return &ReportsPayload{} },
}

// HasPayloadType reports whether a payload type is registered for the step.
func HasPayloadType(name StepName) bool {
	_, ok := payloadTypes[name]
	return ok
}

// DecodeStepPayload converts an open data map into the payload type of the
// named step. Unknown fields and out-of-range values yield a VALIDATION_ERROR.
// A nil map decodes to the zero payload.
func DecodeStepPayload(name StepName, data map[string]any) (StepPayload, error) {
	factory, ok := payloadTypes[name]
	if !ok {
		return nil, NewUnknownStepError("stepName", name)
	}
	p := factory()
	if len(data) == 0 {
		return deref(p), nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, NewValidationError([]FieldError{fieldInvalid("data", err.Error())})
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, NewValidationError([]FieldError{decodeFieldError(name, err)})
	}

	p = deref(p)
	if errs := p.Validate(); len(errs) > 0 {
		return nil, NewValidationError(errs)
	}
	return p, nil
}

// MergeStepData applies patch on top of existing (top-level keys, a nil
// value removes the key) and checks the result against the step's payload
// type. The inputs are not modified.
func MergeStepData(name StepName, existing, patch map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if _, err := DecodeStepPayload(name, merged); err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return merged, nil
}

// EncodeStepPayload converts a typed payload back into its wire map.
func EncodeStepPayload(p StepPayload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.StepName(), err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.StepName(), err)
	}
	return out, nil
}

func deref(p StepPayload) StepPayload {
	switch v := p.(type) {
	case *UploadPayload:
		return *v
	case *ProcessPayload:
		return *v
	case *ReviewPayload:
		return *v
	case *ClaimsPayload:
		return *v
	case *MapPayload:
		return *v
	case *DecisionPayload:
		return *v
	case *ReportsPayload:
		return *v
	}
	return p
}

func decodeFieldError(name StepName, err error) FieldError {
	msg := err.Error()
	if field, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
		field = strings.Trim(field, `"`)
		return FieldError{
			Field:   "data." + field,
			Code:    FieldInvalid,
			Message: fmt.Sprintf("field %q is not part of the %s step data", field, name),
		}
	}
	return fieldInvalid("data", msg)
}

func fieldInvalid(field, msg string) FieldError {
	return FieldError{Field: field, Code: FieldInvalid, Message: msg}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
