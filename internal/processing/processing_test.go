package processing

import (
	"errors"
	"testing"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/frame"
)

func TestNewRejectsUnknownStep(t *testing.T) {
	_, err := New([]StepConfig{{Name: "no_such_step"}})
	if err == nil {
		t.Fatal("expected error for unknown step")
	}
	if !errors.Is(err, ErrUnknownStep) {
		t.Errorf("error should wrap ErrUnknownStep, got %v", err)
	}
	if k, _ := etlerr.KindOf(err); k != etlerr.KindConfig {
		t.Errorf("unknown step should be a config error, got kind %v", k)
	}
}

func TestProcessRunsStepsInOrder(t *testing.T) {
	var order []string
	Register("test_first", func(f *frame.Frame, _ Params) (*frame.Frame, error) {
		order = append(order, "first")
		return f, nil
	})
	Register("test_second", func(f *frame.Frame, _ Params) (*frame.Frame, error) {
		order = append(order, "second")
		return f, nil
	})

	p, err := New([]StepConfig{{Name: "test_first"}, {Name: "test_second"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Process(frame.New()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("steps ran out of order: %v", order)
	}
}

func TestProcessWrapsStepFailure(t *testing.T) {
	Register("test_boom", func(*frame.Frame, Params) (*frame.Frame, error) {
		return nil, errors.New("boom")
	})
	p, err := New([]StepConfig{{Name: "test_boom"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Process(frame.New())
	if err == nil {
		t.Fatal("expected step failure")
	}
	if k, _ := etlerr.KindOf(err); k != etlerr.KindData {
		t.Errorf("step failure should be a data error, got kind %v", k)
	}
	var e *etlerr.Error
	if errors.As(err, &e) && e.Op != "processing.test_boom" {
		t.Errorf("error op = %q, want processing.test_boom", e.Op)
	}
}

func TestProcessDoesNotMutateInput(t *testing.T) {
	f := frame.New(frame.Column{Name: "campaign", Type: frame.String})
	_ = f.AppendRow("urn:li:sponsoredCampaign:42")

	p, err := New([]StepConfig{{
		Name:   "extract_id_from_urn",
		Params: Params{"columns": []any{"campaign"}},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Process(f)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got.Rows[0][0] != "42" {
		t.Errorf("output cell = %v, want 42", got.Rows[0][0])
	}
	if f.Rows[0][0] != "urn:li:sponsoredCampaign:42" {
		t.Errorf("input frame was mutated: %v", f.Rows[0][0])
	}
}

func TestNamesIncludesBuiltins(t *testing.T) {
	names := Names()
	want := []string{
		"add_company", "add_row_loaded_date", "aggregate_by_entity",
		"build_date_field", "convert_costs", "convert_nat_to_null",
		"convert_unix_timestamp", "extract_id_from_urn",
		"extract_nested_actions", "modify_urn_account", "rename_column",
		"replace_nan_with_zero", "response_decoration",
	}
	have := map[string]bool{}
	for _, n := range names {
		have[n] = true
	}
	for _, w := range want {
		if !have[w] {
			t.Errorf("built-in step %q not registered", w)
		}
	}
}
