package app

import (
	"database/sql"
	"fmt"
	"log"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/engine"
	"reqline/internal/migrate"
	"reqline/internal/session"
)

// Options select the workspace and an optional explicit config file.
type Options struct {
	Workspace  string
	ConfigFile string
	Logger     *log.Logger
}

// Env is a fully wired engine plus the resources backing it.
type Env struct {
	Workspace string
	Config    *config.Config
	Conn      *sql.DB
	Sessions  *session.Store
	Engine    engine.Engine
}

// Close releases the database connection.
func (e *Env) Close() error {
	if e.Conn == nil {
		return nil
	}
	return e.Conn.Close()
}

// Open resolves config, opens and migrates the run history database and loads
// the session store. The store is built once here and handed to the engine.
func Open(opts Options) (*Env, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := session.Open(session.Options{
		Path:    config.Resolve(opts.Workspace, cfg.Sessions.Path),
		Persist: cfg.Sessions.Persist,
		Strict:  cfg.Sessions.StrictLoad,
		Logger:  opts.Logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, store)
	e.Logger = opts.Logger
	return &Env{
		Workspace: opts.Workspace,
		Config:    cfg,
		Conn:      conn,
		Sessions:  store,
		Engine:    e,
	}, nil
}

// ResolveConfig prefers an explicit file, then the workspace reqline.yml, then defaults.
func ResolveConfig(workspace, file string) (*config.Config, error) {
	if file != "" {
		cfg, err := config.FromFile(file)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", file, err)
		}
		return cfg, nil
	}
	return config.LoadOrDefault(workspace)
}
