// Package testenv builds a migrated workspace database with one project for
// package tests.
package testenv

import (
	"context"
	"database/sql"
	"testing"

	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/domain"
	"runline/internal/engine"
	"runline/internal/migrate"
)

const (
	ProjectID = "proj-1"
	Owner     = "tester"
)

type Env struct {
	DB     *sql.DB
	Engine engine.Engine
	Config *config.Config
	Dir    string
	Ctx    context.Context
}

func New(t *testing.T) Env {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, ProjectID, "test", Owner); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return Env{DB: conn, Engine: eng, Config: cfg, Dir: dir, Ctx: ctx}
}

// Run creates a pending run of kind in the test project.
func (e Env) Run(t *testing.T, kind string) domain.Run {
	t.Helper()
	run, err := e.Engine.CreateRun(e.Ctx, engine.CreateRunOptions{ProjectID: ProjectID, Kind: kind, ActorID: Owner})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}
