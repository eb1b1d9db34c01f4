// Package db stores scan reports in PostgreSQL. It handles connections,
// schema migrations, and the repository that writes and reads back runs.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
	"github.com/anstrom/porteye/internal/report"
)

// sanitizeDBError converts raw database errors into errors that don't
// expose SQL details or credentials. The original error is kept as Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if err == sql.ErrNoRows {
		return errors.WrapDatabaseError(errors.CodeDatabaseQuery, "Resource not found", operation, err)
	}

	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			return errors.WrapDatabaseError(errors.CodeDatabaseQuery, "Resource already exists", operation, err)
		case "23503", "23502", "23514": // foreign key, not null, check
			return errors.WrapDatabaseError(errors.CodeValidation, "Data validation failed", operation, err)
		case "57014": // query_canceled
			return errors.WrapDatabaseError(errors.CodeCanceled, "Database operation was canceled", operation, err)
		case "57P01", "08000", "08003", "08006": // shutdown and connection errors
			return errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Database connection error", operation, err)
		}
	}

	return errors.WrapDatabaseError(errors.CodeDatabaseQuery,
		fmt.Sprintf("Database operation failed: %s", operation), operation, err)
}

// IsNotFound reports whether err stems from a missing row.
func IsNotFound(err error) bool {
	return stderrors.Is(err, sql.ErrNoRows)
}

const (
	// Default database configuration values.
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect establishes a connection to PostgreSQL.
// Returned errors never contain the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to connect to database", "connect", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", "ping", err)
	}

	logging.Info("Connected to database", "host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: db}, nil
}

// ReportRepository stores and loads scan reports.
type ReportRepository struct {
	db *DB
}

// NewReportRepository creates a repository over db.
func NewReportRepository(db *DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// SaveReport writes a run and all of its host, port and vulnerability
// rows in one transaction and returns the run id.
func (r *ReportRepository) SaveReport(ctx context.Context, rep *report.Report) (uuid.UUID, error) {
	runID := uuid.New()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, sanitizeDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scan_runs (id, nb_hosts, up, duration) VALUES ($1, $2, $3, $4)`,
		runID, rep.NbHosts, rep.Up, rep.Duration)
	if err != nil {
		return uuid.Nil, sanitizeDBError("insert scan run", err)
	}

	for i := range rep.Results {
		if err := insertHost(ctx, tx, runID, &rep.Results[i]); err != nil {
			return uuid.Nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, sanitizeDBError("commit scan run", err)
	}
	return runID, nil
}

func insertHost(ctx context.Context, tx *sqlx.Tx, runID uuid.UUID, hr *report.HostReport) error {
	ip, err := parseIPAddr(hr.IP)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeValidation, "Invalid host address", "insert host", err)
	}
	mac, err := ParseMACAddr(hr.MAC)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeValidation, "Invalid MAC address", "insert host", err)
	}

	var hostID int64
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO host_reports (run_id, ip, hostname, mac, state, operating_system, operating_system_accuracy)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		runID, ip, hr.Hostname, mac, hr.State, hr.OperatingSystem, hr.OperatingSystemAccuracy,
	).Scan(&hostID)
	if err != nil {
		return sanitizeDBError("insert host", err)
	}

	for _, p := range hr.Ports {
		var portID int64
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO port_reports (host_id, port_number, protocol, state, service)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			hostID, p.PortNumber, p.Protocol, p.State, p.Service,
		).Scan(&portID)
		if err != nil {
			return sanitizeDBError("insert port", err)
		}

		for _, v := range p.Vulnerabilities {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO vulnerabilities (port_id, service, cve, description, link)
				VALUES ($1, $2, $3, $4, $5)`,
				portID, v.Service, v.CVE, v.Description, v.Link)
			if err != nil {
				return sanitizeDBError("insert vulnerability", err)
			}
		}
	}
	return nil
}

func parseIPAddr(s string) (IPAddr, error) {
	var ip IPAddr
	if err := ip.Scan(s); err != nil {
		return IPAddr{}, err
	}
	return ip, nil
}

// ListRuns returns the most recent runs, newest first.
func (r *ReportRepository) ListRuns(ctx context.Context, limit int) ([]ScanRun, error) {
	if limit <= 0 {
		limit = 20
	}

	var runs []ScanRun
	err := r.db.SelectContext(ctx, &runs,
		`SELECT id, nb_hosts, up, duration, created_at FROM scan_runs ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, sanitizeDBError("list scan runs", err)
	}
	return runs, nil
}

// LoadReport reads a stored run back into a report.
func (r *ReportRepository) LoadReport(ctx context.Context, runID uuid.UUID) (*report.Report, error) {
	var run ScanRun
	err := r.db.GetContext(ctx, &run,
		`SELECT id, nb_hosts, up, duration, created_at FROM scan_runs WHERE id = $1`, runID)
	if err != nil {
		return nil, sanitizeDBError("get scan run", err)
	}

	var hosts []HostRecord
	err = r.db.SelectContext(ctx, &hosts,
		`SELECT id, run_id, ip, hostname, mac, state, operating_system, operating_system_accuracy
		FROM host_reports WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, sanitizeDBError("list hosts", err)
	}

	rep := &report.Report{
		NbHosts:  run.NbHosts,
		Up:       run.Up,
		Duration: run.Duration,
		Results:  make([]report.HostReport, 0, len(hosts)),
	}
	for i := range hosts {
		hr := hosts[i].HostReport()
		ports, err := r.loadPorts(ctx, hosts[i].ID)
		if err != nil {
			return nil, err
		}
		hr.Ports = ports
		rep.Results = append(rep.Results, hr)
	}
	rep.Normalize()
	return rep, nil
}

func (r *ReportRepository) loadPorts(ctx context.Context, hostID int64) ([]report.PortReport, error) {
	var ports []PortRecord
	err := r.db.SelectContext(ctx, &ports,
		`SELECT id, host_id, port_number, protocol, state, service
		FROM port_reports WHERE host_id = $1 ORDER BY id`, hostID)
	if err != nil {
		return nil, sanitizeDBError("list ports", err)
	}

	out := make([]report.PortReport, 0, len(ports))
	for i := range ports {
		var records []VulnerabilityRecord
		err := r.db.SelectContext(ctx, &records,
			`SELECT id, port_id, service, cve, description, link
			FROM vulnerabilities WHERE port_id = $1 ORDER BY id`, ports[i].ID)
		if err != nil {
			return nil, sanitizeDBError("list vulnerabilities", err)
		}

		pr := ports[i].PortReport()
		for j := range records {
			pr.Vulnerabilities = append(pr.Vulnerabilities, records[j].Vulnerability())
		}
		out = append(out, pr)
	}
	return out, nil
}
