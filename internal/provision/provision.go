// Package provision creates the import target when it is missing.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/td-shipper/internal/logging"
	"github.com/szibis/td-shipper/internal/tdclient"
)

var provisionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "td_shipper_provision_total",
		Help: "Target provisioning attempts by outcome (created, existed, failed)",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(provisionTotal)
}

// Client is the subset of the API client the provisioner needs.
type Client interface {
	CreateDatabase(ctx context.Context, db string) error
	CreateLogTable(ctx context.Context, db, table string) error
}

// Step names the provisioning call that failed.
type Step string

const (
	StepCreateTable      Step = "create_table"
	StepCreateDatabase   Step = "create_database"
	StepCreateTableRetry Step = "create_table_retry"
)

// Error is an unrecoverable provisioning failure.
type Error struct {
	Database string
	Table    string
	Step     Step
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s.%s: %s: %v", e.Database, e.Table, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Provisioner ensures a database and log table exist.
type Provisioner struct {
	client Client
}

// New creates a Provisioner.
func New(client Client) *Provisioner {
	return &Provisioner{client: client}
}

// Ensure creates the table. When the database is missing it creates the
// database and tries the table once more. Already-exists answers count as
// success at every step.
func (p *Provisioner) Ensure(ctx context.Context, database, table string) error {
	err := p.client.CreateLogTable(ctx, database, table)
	switch {
	case err == nil:
		return p.done("created", database, table)
	case errors.Is(err, tdclient.ErrAlreadyExists):
		return p.done("existed", database, table)
	case !errors.Is(err, tdclient.ErrNotFound):
		return p.fail(database, table, StepCreateTable, err)
	}

	logging.Info("database missing, creating it", logging.F(
		"component", "provision",
		"database", database,
	))
	if err := p.client.CreateDatabase(ctx, database); err != nil && !errors.Is(err, tdclient.ErrAlreadyExists) {
		return p.fail(database, table, StepCreateDatabase, err)
	}

	err = p.client.CreateLogTable(ctx, database, table)
	switch {
	case err == nil:
		return p.done("created", database, table)
	case errors.Is(err, tdclient.ErrAlreadyExists):
		return p.done("existed", database, table)
	default:
		return p.fail(database, table, StepCreateTableRetry, err)
	}
}

func (p *Provisioner) done(outcome, database, table string) error {
	provisionTotal.WithLabelValues(outcome).Inc()
	logging.Info("target ready", logging.F(
		"component", "provision",
		"database", database,
		"table", table,
		"outcome", outcome,
	))
	return nil
}

func (p *Provisioner) fail(database, table string, step Step, err error) error {
	provisionTotal.WithLabelValues("failed").Inc()
	return &Error{Database: database, Table: table, Step: step, Err: err}
}
