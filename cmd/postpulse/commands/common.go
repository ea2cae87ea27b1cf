package commands

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/jobs"
)

// PrintError prints err with any hints attached along the way
func PrintError(err error) {
	pterm.Error.Println(err.Error())
	for _, hint := range errors.GetAllHints(err) {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
	}
}

func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// newManager builds an empty job table over the configured jobs directory
func newManager(cfg *am.Config) (*jobs.Manager, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	store := jobs.NewStore(cfg.Store.JobsDir, loc, logger.ComponentLogger("jobs.store"))
	return jobs.NewManager(store, cfg.JobsConfig(), logger.ComponentLogger("jobs")), nil
}

// openManager loads the job table from the configured jobs directory
func openManager(cfg *am.Config) (*jobs.Manager, error) {
	m, err := newManager(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.Load(); err != nil {
		return nil, errors.Wrapf(err, "failed to load jobs from %s", cfg.Store.JobsDir)
	}
	return m, nil
}

// openDatabase opens and migrates the execution history database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// resolveID accepts a full job ID or an unambiguous prefix of one
func resolveID(m *jobs.Manager, ref string) (string, error) {
	if _, err := m.Get(ref); err == nil {
		return ref, nil
	}
	var matches []string
	for _, j := range m.List(jobs.Filter{}) {
		if strings.HasPrefix(j.ID, ref) {
			matches = append(matches, j.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.Wrapf(jobs.ErrJobNotFound, "%s", ref)
	case 1:
		return matches[0], nil
	default:
		return "", errors.WithHint(
			errors.NewInvalidRequestError("job prefix %s matches %d jobs", ref, len(matches)),
			"use more characters of the job ID")
	}
}
