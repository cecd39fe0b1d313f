package ingest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"reqline/internal/domain"
)

// MatchMode selects how action words are located in requirement text.
type MatchMode string

const (
	// MatchSubstring detects an action wherever its word occurs, including inside
	// longer words ("recreate" yields create).
	MatchSubstring MatchMode = "substring"
	// MatchToken detects an action only when a whole alphabetic token equals it.
	MatchToken MatchMode = "token"
)

var (
	deadlinePattern = regexp.MustCompile(`(\d+)\s+(days|day|hours|hour|weeks|week)`)
	tokenPattern    = regexp.MustCompile(`[a-z]+`)
)

// Parser extracts structured facts from requirement text.
type Parser struct {
	Match MatchMode
}

// ParseMatchMode validates a configured match mode; empty means substring.
func ParseMatchMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchSubstring:
		return MatchSubstring, nil
	case MatchToken:
		return MatchToken, nil
	default:
		return "", fmt.Errorf("invalid action match mode %q (want substring or token)", s)
	}
}

// Parse runs the default substring parser.
func Parse(text string) (domain.ParsedRequirement, error) {
	return Parser{}.Parse(text)
}

// Parse folds text to lower case and extracts actions, the first deadline and
// plural-looking entities. Empty text is not rejected here.
func (p Parser) Parse(text string) (domain.ParsedRequirement, error) {
	folded := strings.ToLower(text)
	tokens := tokenPattern.FindAllString(folded, -1)

	deadlines, err := firstDeadline(folded)
	if err != nil {
		return domain.ParsedRequirement{}, err
	}
	return domain.ParsedRequirement{
		Actions:   p.actions(folded, tokens),
		Deadlines: deadlines,
		Entities:  entities(tokens),
	}, nil
}

func (p Parser) actions(folded string, tokens []string) []domain.Action {
	var present func(domain.Action) bool
	if p.Match == MatchToken {
		set := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			set[t] = struct{}{}
		}
		present = func(a domain.Action) bool {
			_, ok := set[string(a)]
			return ok
		}
	} else {
		present = func(a domain.Action) bool {
			return strings.Contains(folded, string(a))
		}
	}
	actions := []domain.Action{}
	for _, a := range domain.Vocabulary {
		if present(a) {
			actions = append(actions, a)
		}
	}
	return actions
}

func firstDeadline(folded string) ([]domain.Deadline, error) {
	m := deadlinePattern.FindStringSubmatch(folded)
	if m == nil {
		return []domain.Deadline{}, nil
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("deadline value %q: %w", m[1], err)
	}
	return []domain.Deadline{{Value: v, Unit: m[2]}}, nil
}

func entities(tokens []string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, t := range tokens {
		if !strings.HasSuffix(t, "s") || t == "days" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
