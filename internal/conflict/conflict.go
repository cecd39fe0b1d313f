package conflict

import "reqline/internal/domain"

const (
	MsgReadDelete  = "Cannot read and delete the same resource in the same requirement."
	MsgMinDeadline = "Deadline must be >= 1 day."
)

// Rule inspects parsed facts and returns zero or more conflict messages.
type Rule func(domain.ParsedRequirement) []string

// Detector evaluates its rules in order; output order follows rule order.
type Detector struct {
	Rules []Rule
}

// DefaultRules returns the built-in rules. New rules go at the end.
func DefaultRules() []Rule {
	return []Rule{ReadDeleteRule, DeadlineRule}
}

// Detect runs the default rules.
func Detect(p domain.ParsedRequirement) []string {
	return Detector{Rules: DefaultRules()}.Detect(p)
}

func (d Detector) Detect(p domain.ParsedRequirement) []string {
	conflicts := []string{}
	for _, rule := range d.Rules {
		conflicts = append(conflicts, rule(p)...)
	}
	return conflicts
}

// ReadDeleteRule flags a requirement that both reads and deletes.
func ReadDeleteRule(p domain.ParsedRequirement) []string {
	if p.HasAction(domain.ActionDelete) && p.HasAction(domain.ActionRead) {
		return []string{MsgReadDelete}
	}
	return nil
}

// DeadlineRule flags every deadline given in days that is shorter than one day.
func DeadlineRule(p domain.ParsedRequirement) []string {
	var out []string
	for _, d := range p.Deadlines {
		if d.Unit == "days" && d.Value < 1 {
			out = append(out, MsgMinDeadline)
		}
	}
	return out
}
