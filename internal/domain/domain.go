package domain

import (
	"encoding/json"
	"fmt"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionArchive Action = "archive"
)

// Vocabulary lists the detectable actions in scan order.
var Vocabulary = []Action{ActionCreate, ActionRead, ActionDelete, ActionUpdate, ActionArchive}

type Deadline struct {
	Value int    `json:"value" minimum:"0"`
	Unit  string `json:"unit" enum:"day,days,hour,hours,week,weeks"`
}

type ParsedRequirement struct {
	Actions   []Action   `json:"actions"`
	Deadlines []Deadline `json:"deadlines"`
	Entities  []string   `json:"entities"`
}

// HasAction reports whether a was detected.
func (p ParsedRequirement) HasAction(a Action) bool {
	for _, got := range p.Actions {
		if got == a {
			return true
		}
	}
	return false
}

type APIInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type Response struct {
	Description string `json:"description"`
}

type Operation struct {
	Description string              `json:"description"`
	Responses   map[string]Response `json:"responses"`
}

// PathItem maps a lowercase HTTP method to its operation.
type PathItem map[string]Operation

type APISpec struct {
	OpenAPI string              `json:"openapi"`
	Info    APIInfo             `json:"info"`
	Title   string              `json:"title"`
	Paths   map[string]PathItem `json:"paths"`
}

type PipelineResult struct {
	Parsed    ParsedRequirement `json:"parsed"`
	Conflicts []string          `json:"conflicts"`
	API       APISpec           `json:"api"`
}

// Record converts the result into the untyped shape stored in a session:
// one top-level key per result field.
func (r PipelineResult) Record() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline result: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode pipeline result: %w", err)
	}
	return rec, nil
}

type Run struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Text      string         `json:"text"`
	Result    PipelineResult `json:"result"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"key_hash"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}
