package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"reqline/internal/apidesign"
	"reqline/internal/config"
	"reqline/internal/conflict"
	"reqline/internal/domain"
	"reqline/internal/events"
	"reqline/internal/ingest"
	"reqline/internal/repo"
	"reqline/internal/session"
)

// Stages are the three analysis steps. Detect and Synthesize must be safe to
// run concurrently on the same ParsedRequirement.
type Stages struct {
	Ingest     func(text string) (domain.ParsedRequirement, error)
	Detect     func(domain.ParsedRequirement) ([]string, error)
	Synthesize func(domain.ParsedRequirement) (domain.APISpec, error)
}

// DefaultStages wires the built-in parser, conflict rules and API synthesizer.
func DefaultStages(p ingest.Parser) Stages {
	return Stages{
		Ingest: p.Parse,
		Detect: func(pr domain.ParsedRequirement) ([]string, error) {
			return conflict.Detect(pr), nil
		},
		Synthesize: func(pr domain.ParsedRequirement) (domain.APISpec, error) {
			return apidesign.Synthesize(pr), nil
		},
	}
}

// SessionStore is the part of session.Store the engine needs.
type SessionStore interface {
	Get(id string) (session.Record, bool)
	Set(id string, rec session.Record) error
	Merge(id string, partial session.Record) error
	IDs() []string
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Sessions SessionStore
	Stages   Stages
	Logger   *log.Logger
	Now      func() time.Time
	NewID    func() string
}

// New builds an engine. conn may be nil to run without history; sessions may
// be nil to run without session accumulation.
func New(conn *sql.DB, cfg *config.Config, sessions *session.Store) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	match, err := ingest.ParseMatchMode(cfg.Detection.ActionMatch)
	if err != nil {
		match = ingest.MatchSubstring
	}
	e := Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Config: cfg,
		Stages: DefaultStages(ingest.Parser{Match: match}),
		Now:    time.Now,
	}
	if sessions != nil {
		e.Sessions = sessions
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) stages() Stages {
	st := e.Stages
	def := DefaultStages(ingest.Parser{})
	if st.Ingest == nil {
		st.Ingest = def.Ingest
	}
	if st.Detect == nil {
		st.Detect = def.Detect
	}
	if st.Synthesize == nil {
		st.Synthesize = def.Synthesize
	}
	return st
}

// Run parses text, then detects conflicts and synthesizes the API concurrently,
// waiting for both before assembling the result. With a non-empty sessionID the
// result is merged into that session after assembly.
//
// Stage failures come back as *ExecutionError. When both concurrent stages
// fail, the conflict stage's error is the one returned.
func (e Engine) Run(ctx context.Context, text, sessionID string) (domain.PipelineResult, error) {
	st := e.stages()
	parsed, err := guard(StageIngest, func() (domain.ParsedRequirement, error) {
		return st.Ingest(text)
	})
	if err != nil {
		return domain.PipelineResult{}, err
	}

	var (
		conflicts           []string
		api                 domain.APISpec
		conflictErr, apiErr error
		g                   errgroup.Group
	)
	g.Go(func() error {
		conflicts, conflictErr = guard(StageConflicts, func() ([]string, error) {
			return st.Detect(parsed)
		})
		return conflictErr
	})
	g.Go(func() error {
		api, apiErr = guard(StageSynthesize, func() (domain.APISpec, error) {
			return st.Synthesize(parsed)
		})
		return apiErr
	})
	_ = g.Wait()
	if conflictErr != nil {
		return domain.PipelineResult{}, conflictErr
	}
	if apiErr != nil {
		return domain.PipelineResult{}, apiErr
	}
	if conflicts == nil {
		conflicts = []string{}
	}

	res := domain.PipelineResult{Parsed: parsed, Conflicts: conflicts, API: api}
	if unmapped := apidesign.Unmapped(parsed); len(unmapped) > 0 {
		e.logger().Printf("pipeline: actions %v have no API operation", unmapped)
	}

	if sessionID != "" && e.Sessions != nil {
		rec, err := res.Record()
		if err != nil {
			return domain.PipelineResult{}, err
		}
		if err := e.Sessions.Merge(sessionID, rec); err != nil {
			return domain.PipelineResult{}, fmt.Errorf("merge session %s: %w", sessionID, err)
		}
	}
	e.record(ctx, text, sessionID, res)
	return res, nil
}

// record stores the run and a pipeline.run event. The result is already
// final at this point, so failures are only logged.
func (e Engine) record(ctx context.Context, text, sessionID string, res domain.PipelineResult) {
	if e.DB == nil {
		return
	}
	run := domain.Run{
		ID:        e.newID(),
		SessionID: sessionID,
		Text:      text,
		Result:    res,
		CreatedAt: e.now().UTC().Format(time.RFC3339Nano),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return e.Events.Append(ctx, tx, events.TypePipelineRun, sessionID, "run", run.ID, ActorFromContext(ctx), events.EventPayload{
			"actions":   res.Parsed.Actions,
			"conflicts": len(res.Conflicts),
			"api_paths": len(res.API.Paths),
		})
	})
	if err != nil {
		e.logger().Printf("pipeline: record run %s: %v", run.ID, err)
	}
}

func (e Engine) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// RunAndSave runs the pipeline and writes the result as indented JSON to outPath.
func (e Engine) RunAndSave(ctx context.Context, text, outPath string) (domain.PipelineResult, error) {
	res, err := e.Run(ctx, text, "")
	if err != nil {
		return domain.PipelineResult{}, err
	}
	if err := WriteJSON(outPath, res); err != nil {
		return domain.PipelineResult{}, err
	}
	return res, nil
}

// WriteJSON writes v to path with two-space indentation, creating parent dirs.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
