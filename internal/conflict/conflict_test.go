package conflict

import (
	"reflect"
	"testing"

	"reqline/internal/domain"
)

func TestReadDeleteRuleIff(t *testing.T) {
	all := domain.Vocabulary
	// every subset of the vocabulary
	for mask := 0; mask < 1<<len(all); mask++ {
		var p domain.ParsedRequirement
		for i, a := range all {
			if mask&(1<<i) != 0 {
				p.Actions = append(p.Actions, a)
			}
		}
		want := p.HasAction(domain.ActionRead) && p.HasAction(domain.ActionDelete)
		got := contains(Detect(p), MsgReadDelete)
		if got != want {
			t.Errorf("actions %v: read/delete conflict = %v, want %v", p.Actions, got, want)
		}
	}
}

func TestDeadlineRuleIff(t *testing.T) {
	cases := []struct {
		d    domain.Deadline
		want bool
	}{
		{domain.Deadline{Value: 0, Unit: "days"}, true},
		{domain.Deadline{Value: 1, Unit: "days"}, false},
		{domain.Deadline{Value: 0, Unit: "day"}, false},
		{domain.Deadline{Value: 0, Unit: "hours"}, false},
		{domain.Deadline{Value: 0, Unit: "weeks"}, false},
		{domain.Deadline{Value: 30, Unit: "days"}, false},
	}
	for _, tc := range cases {
		p := domain.ParsedRequirement{Deadlines: []domain.Deadline{tc.d}}
		if got := contains(Detect(p), MsgMinDeadline); got != tc.want {
			t.Errorf("%+v: got %v, want %v", tc.d, got, tc.want)
		}
	}
}

func TestDeadlineRuleOneMessagePerEntry(t *testing.T) {
	p := domain.ParsedRequirement{Deadlines: []domain.Deadline{
		{Value: 0, Unit: "days"},
		{Value: 2, Unit: "days"},
		{Value: 0, Unit: "days"},
	}}
	got := DeadlineRule(p)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2: %v", len(got), got)
	}
}

func TestDetectOrdersActionRulesFirst(t *testing.T) {
	p := domain.ParsedRequirement{
		Actions:   []domain.Action{domain.ActionRead, domain.ActionDelete},
		Deadlines: []domain.Deadline{{Value: 0, Unit: "days"}},
	}
	want := []string{MsgReadDelete, MsgMinDeadline}
	if got := Detect(p); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDetectEmptyIsNotNil(t *testing.T) {
	got := Detect(domain.ParsedRequirement{})
	if got == nil || len(got) != 0 {
		t.Fatalf("got %#v, want empty slice", got)
	}
}

func TestCustomRulesAppend(t *testing.T) {
	extra := func(p domain.ParsedRequirement) []string {
		if len(p.Actions) == 0 {
			return []string{"No action detected."}
		}
		return nil
	}
	d := Detector{Rules: append(DefaultRules(), extra)}
	p := domain.ParsedRequirement{Deadlines: []domain.Deadline{{Value: 0, Unit: "days"}}}
	want := []string{MsgMinDeadline, "No action detected."}
	if got := d.Detect(p); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
