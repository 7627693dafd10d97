package testutils

import (
	"log/slog"
	"testing"

	"github.com/cockroachdb/pebble"

	"github.com/medprepa/tally/utils"
)

// Env is a throwaway storage host for package tests: a pebble database in
// a temp dir, closed when the test finishes.
type Env struct {
	DB  *pebble.DB
	Log utils.Logger
	WO  *pebble.WriteOptions
}

func OpenEnv(t *testing.T) *Env {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	if err != nil {
		t.Fatal(err)
	}
	env := &Env{
		DB:  db,
		Log: utils.NewDefaultLogger(slog.LevelError),
		WO:  pebble.NoSync,
	}
	t.Cleanup(func() { _ = db.Close() })
	return env
}

func (e *Env) Database() *pebble.DB               { return e.DB }
func (e *Env) Logger() utils.Logger               { return e.Log }
func (e *Env) WriteOptions() *pebble.WriteOptions { return e.WO }
