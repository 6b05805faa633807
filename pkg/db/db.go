// Package db shells out to the site's database tooling. The engine never
// opens a database connection itself: listing, dumping, importing and
// search-replacing all go through the external binaries that deployments
// already have configured, so their option files and socket setup apply.
package db

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/wpeztools/ezsync/pkg/config"
	"github.com/wpeztools/ezsync/pkg/errors"
)

// Tool runs database operations for one configured site.
type Tool interface {
	// ListTables returns the names of every table carrying the configured
	// prefix.
	ListTables(ctx context.Context) ([]string, error)

	// DumpTable writes one table's SQL dump to the given path.
	DumpTable(ctx context.Context, table, path string) error

	// ImportFile replays a SQL dump into the database.
	ImportFile(ctx context.Context, path string) error

	// SearchReplace rewrites every occurrence of from into to within one
	// table, respecting serialized values, and returns the number of
	// changed fields.
	SearchReplace(ctx context.Context, from, to, table string) (int, error)
}

// Mock points for tests. outputCommand covers commands whose stdout we
// parse, runCommand covers the rest.
var (
	outputCommand = (*exec.Cmd).Output
	runCommand    = (*exec.Cmd).Run
)

type tool struct {
	db config.Database
}

// New returns a Tool for the configured database.
func New(db config.Database) Tool {
	return tool{db: db}
}

// connArgs returns the connection options shared by mysql and mysqldump.
// The database name goes last, after any command-specific options.
func (t tool) connArgs() []string {
	args := []string{
		"--host=" + t.db.Host,
		"--user=" + t.db.User,
	}
	if t.db.Password != "" {
		args = append(args, "--password="+t.db.Password)
	}
	return args
}

func (t tool) ListTables(ctx context.Context) ([]string, error) {
	args := append(t.connArgs(),
		"--silent", "--skip-column-names",
		"--execute", fmt.Sprintf("SHOW TABLES LIKE '%s%%'", t.db.Prefix),
		t.db.Name)
	cmd := exec.CommandContext(ctx, "mysql", args...)

	out, err := outputCommand(cmd)
	if err != nil {
		return nil, errors.WithContext(err, "list tables")
	}

	var tables []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			tables = append(tables, line)
		}
	}
	return tables, nil
}

func (t tool) DumpTable(ctx context.Context, table, path string) error {
	args := append(t.connArgs(),
		"--single-transaction", "--quick",
		"--result-file="+path,
		t.db.Name, table)
	cmd := exec.CommandContext(ctx, "mysqldump", args...)

	log.WithField("table", table).Debug("Dumping table")
	if err := runCommand(cmd); err != nil {
		return errors.WithContext(err, "dump "+table)
	}
	return nil
}

func (t tool) ImportFile(ctx context.Context, path string) error {
	args := append(t.connArgs(),
		"--execute", "SOURCE "+path,
		t.db.Name)
	cmd := exec.CommandContext(ctx, "mysql", args...)

	log.WithField("path", path).Debug("Importing dump")
	if err := runCommand(cmd); err != nil {
		return errors.WithContext(err, "import "+path)
	}
	return nil
}

func (t tool) SearchReplace(ctx context.Context, from, to, table string) (int, error) {
	cmd := exec.CommandContext(ctx, "wp", "search-replace", from, to, table,
		"--precise", "--format=count")

	log.WithFields(log.Fields{
		"from":  from,
		"to":    to,
		"table": table,
	}).Debug("Rewriting URLs")
	out, err := outputCommand(cmd)
	if err != nil {
		return 0, errors.WithContext(err, "search replace "+table)
	}

	count, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, errors.WithContext(err, "parse replace count")
	}
	return count, nil
}

// TablesForDump resolves the table selection for an export request. An empty
// selection with allTables set expands to every prefixed table.
func TablesForDump(ctx context.Context, t Tool, allTables bool,
	requested []string) ([]string, error) {
	if allTables || len(requested) == 0 {
		return t.ListTables(ctx)
	}
	return requested, nil
}
