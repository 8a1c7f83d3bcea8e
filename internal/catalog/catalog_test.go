package catalog

import (
	"sync"
	"testing"

	"github.com/pitabwire/claimflow/model"
)

func TestDefault_ordered(t *testing.T) {
	c := Default()
	want := []model.StepName{
		model.StepUpload, model.StepProcess, model.StepReview, model.StepClaims,
		model.StepMap, model.StepDecision, model.StepReports,
	}
	steps := c.OrderedSteps()
	if len(steps) != len(want) {
		t.Fatalf("OrderedSteps() len = %d, want %d", len(steps), len(want))
	}
	for i, s := range steps {
		if s.Name != want[i] {
			t.Errorf("steps[%d].Name = %q, want %q", i, s.Name, want[i])
		}
		if s.Order != i+1 {
			t.Errorf("steps[%d].Order = %d, want %d", i, s.Order, i+1)
		}
	}
	if c.Len() != 7 {
		t.Errorf("Len() = %d, want 7", c.Len())
	}
}

func TestOrderedSteps_returns_copy(t *testing.T) {
	c := Default()
	steps := c.OrderedSteps()
	steps[0].Label = "mutated"
	if c.LabelOf(model.StepUpload) == "mutated" {
		t.Error("OrderedSteps() exposes internal slice")
	}
}

func TestLabelOf(t *testing.T) {
	c := Default()
	if got := c.LabelOf(model.StepDecision); got != "Decision Support" {
		t.Errorf("LabelOf(decision) = %q", got)
	}
	if got := c.LabelOf("teleport"); got != "" {
		t.Errorf("LabelOf(unknown) = %q, want empty", got)
	}
}

func TestOrderOf(t *testing.T) {
	c := Default()
	order, err := c.OrderOf(model.StepMap)
	if err != nil {
		t.Fatalf("OrderOf(map) error: %v", err)
	}
	if order != 5 {
		t.Errorf("OrderOf(map) = %d, want 5", order)
	}
}

func TestOrderOf_unknown(t *testing.T) {
	c := Default()
	_, err := c.OrderOf("teleport")
	if err == nil {
		t.Fatal("expected UnknownStep error")
	}
	envErr, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if envErr.Details[0].Code != model.FieldUnknownStep {
		t.Errorf("detail code = %s, want %s", envErr.Details[0].Code, model.FieldUnknownStep)
	}
}

func TestNeighbour(t *testing.T) {
	c := Default()
	tests := []struct {
		name   string
		from   model.StepName
		offset int
		want   model.StepName
		wantOK bool
	}{
		{"next of upload", model.StepUpload, 1, model.StepProcess, true},
		{"previous of upload", model.StepUpload, -1, "", false},
		{"next of reports", model.StepReports, 1, "", false},
		{"previous of reports", model.StepReports, -1, model.StepDecision, true},
		{"unknown", "teleport", 1, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.Neighbour(tt.from, tt.offset)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Neighbour(%q, %d) = (%q, %v), want (%q, %v)", tt.from, tt.offset, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestAt_bounds(t *testing.T) {
	c := Default()
	if _, ok := c.At(0); ok {
		t.Error("At(0) ok = true")
	}
	if _, ok := c.At(8); ok {
		t.Error("At(8) ok = true")
	}
	if s, ok := c.At(3); !ok || s.Name != model.StepReview {
		t.Errorf("At(3) = %+v, %v", s, ok)
	}
}

func TestNew_sorts_by_order(t *testing.T) {
	c, err := New([]model.StepDefinition{
		{Name: model.StepProcess, Order: 2, Label: "Process"},
		{Name: model.StepUpload, Order: 1, Label: "Upload"},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c.OrderedSteps()[0].Name != model.StepUpload {
		t.Errorf("first step = %q, want upload", c.OrderedSteps()[0].Name)
	}
}

func TestCatalog_concurrent_reads(t *testing.T) {
	c := Default()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, s := range c.OrderedSteps() {
				if o, _ := c.OrderOf(s.Name); o != s.Order {
					t.Errorf("OrderOf(%q) = %d, want %d", s.Name, o, s.Order)
				}
			}
		}()
	}
	wg.Wait()
}
