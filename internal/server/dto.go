package server

import (
	"reqline/internal/domain"
	"reqline/internal/scenarios"
)

// Request payloads

type PipelineRequest struct {
	Text      string  `json:"text" doc:"Requirement text; must not be blank"`
	SessionID *string `json:"session_id,omitempty" doc:"Session to merge the result into"`
}

// Response payloads

type BannerResponse struct {
	Message string `json:"message"`
}

type SessionListResponse struct {
	Sessions []string `json:"sessions"`
}

type ScenarioRunResponse struct {
	Summary scenarios.Summary `json:"summary"`
}

type RunSummary struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text"`
	Actions   []domain.Action `json:"actions"`
	Conflicts int             `json:"conflicts"`
	APIPaths  int             `json:"api_paths"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

func runSummary(r domain.Run) RunSummary {
	return RunSummary{
		ID:        r.ID,
		SessionID: r.SessionID,
		Text:      r.Text,
		Actions:   r.Result.Parsed.Actions,
		Conflicts: len(r.Result.Conflicts),
		APIPaths:  len(r.Result.API.Paths),
		CreatedAt: r.CreatedAt,
	}
}

func mapRuns(runs []domain.Run) []RunSummary {
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSummary(r))
	}
	return out
}
