// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database provides the SQLite persistence layer.
//
// All writes are funneled through a dedicated write connection and a single
// writer goroutine. Write transactions therefore execute one at a time, which
// is what the download state machine relies on: at most one in-flight
// transition per download row. Readers use the connection pool and, with WAL
// enabled, see consistent snapshots concurrently with writers.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"

	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultBusyTimeout       = 5 * time.Second
	defaultBusyTimeoutMillis = int(defaultBusyTimeout / time.Millisecond)
	connectionSetupTimeout   = 5 * time.Second
	writeChannelBuffer       = 256
)

type writeReq struct {
	ctx   context.Context
	query string
	args  []any
	resCh chan writeRes
}

type writeRes struct {
	result sql.Result
	err    error
}

// DB wraps the SQLite connection pool with a single-writer discipline.
type DB struct {
	conn      *sql.DB   // connection pool for reads
	writeConn *sql.Conn // dedicated connection for all writes
	writeCh   chan writeReq

	stmtMu sync.RWMutex
	stmts  map[string]*sql.Stmt

	stop      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
	closing   atomic.Bool
	closeErr  error
}

var driverInit sync.Once

func registerConnectionHook() {
	driverInit.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
			defer cancel()

			for _, pragma := range connectionPragmas() {
				if _, err := conn.ExecContext(ctx, pragma, nil); err != nil {
					return fmt.Errorf("connection hook exec %q: %w", pragma, err)
				}
			}
			return nil
		})
	})
}

func connectionPragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeoutMillis),
	}
}

// New opens (creating if necessary) the database at path, applies pending
// migrations and starts the writer goroutine.
func New(databasePath string) (*DB, error) {
	log.Info().Msgf("Initializing database at: %s", databasePath)

	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", dir, err)
	}

	registerConnectionHook()

	conn, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", databasePath, err)
	}

	// Single connection during migrations so schema changes are never seen
	// half-applied by a second pooled connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel()
	for _, pragma := range connectionPragmas() {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	db := &DB{
		conn:    conn,
		writeCh: make(chan writeReq, writeChannelBuffer),
		stmts:   make(map[string]*sql.Stmt),
		stop:    make(chan struct{}),
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	conn.SetMaxOpenConns(0)
	conn.SetMaxIdleConns(2)

	ctx2, cancel2 := context.WithTimeout(context.Background(), connectionSetupTimeout)
	defer cancel2()
	writeConn, err := conn.Conn(ctx2)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire write connection: %w", err)
	}
	db.writeConn = writeConn

	db.writerWG.Add(1)
	go db.writerLoop()

	log.Info().Msgf("Database initialized successfully at: %s", databasePath)
	return db, nil
}

// getStmt returns a cached prepared statement for query, preparing it on
// first use. Safe for concurrent use.
func (db *DB) getStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	db.stmtMu.RLock()
	s, ok := db.stmts[query]
	db.stmtMu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := db.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	db.stmtMu.Lock()
	if existing, ok := db.stmts[query]; ok {
		db.stmtMu.Unlock()
		_ = s.Close()
		return existing, nil
	}
	db.stmts[query] = s
	db.stmtMu.Unlock()
	return s, nil
}

// isWriteQuery reports whether the first keyword of query mutates data.
func isWriteQuery(query string) bool {
	q := strings.TrimLeftFunc(query, unicode.IsSpace)
	if q == "" {
		return false
	}
	upper := strings.ToUpper(q)
	return strings.HasPrefix(upper, "INSERT") ||
		strings.HasPrefix(upper, "UPDATE") ||
		strings.HasPrefix(upper, "REPLACE") ||
		strings.HasPrefix(upper, "DELETE")
}

// ExecContext routes write queries through the single writer goroutine.
// Reads fall through to the pool.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !isWriteQuery(query) {
		stmt, err := db.getStmt(ctx, query)
		if err != nil {
			return db.conn.ExecContext(ctx, query, args...)
		}
		return stmt.ExecContext(ctx, args...)
	}

	if db.closing.Load() {
		return nil, fmt.Errorf("db stopping")
	}

	resCh := make(chan writeRes, 1)
	req := writeReq{ctx: ctx, query: query, args: args, resCh: resCh}
	select {
	case db.writeCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-db.stop:
		return nil, fmt.Errorf("db stopping")
	}

	res := <-resCh
	return res.result, res.err
}

func (db *DB) writerLoop() {
	defer db.writerWG.Done()

	draining := false
	for {
		if draining {
			select {
			case req := <-db.writeCh:
				db.processWrite(req)
			default:
				return
			}
			continue
		}

		select {
		case req := <-db.writeCh:
			db.processWrite(req)
		case <-db.stop:
			draining = true
		}
	}
}

func (db *DB) processWrite(req writeReq) {
	res, err := db.writeConn.ExecContext(req.ctx, req.query, req.args...)
	select {
	case req.resCh <- writeRes{result: res, err: err}:
	default:
	}
}

// QueryContext runs a read query against the pool using prepared statements.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return db.conn.QueryContext(ctx, query, args...)
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext runs a single-row read query against the pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := db.getStmt(ctx, query)
	if err != nil {
		return db.conn.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// BeginTx starts a transaction.
//
// Write transactions (opts == nil or !opts.ReadOnly) run on the dedicated
// write connection, so only one write transaction is open at any time. This
// is the locking guarantee the state machine's Transition depends on.
// Read-only transactions run on the pool and are concurrent with writers.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	isReadOnly := opts != nil && opts.ReadOnly

	var tx *sql.Tx
	var err error
	if isReadOnly {
		tx, err = db.conn.BeginTx(ctx, opts)
	} else {
		tx, err = db.writeConn.BeginTx(ctx, opts)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Close flushes pending writes and closes all connections.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectionSetupTimeout)
		defer cancel()
		if _, err := db.conn.ExecContext(ctx, "PRAGMA optimize"); err != nil {
			log.Warn().Err(err).Msg("failed to run PRAGMA optimize during close")
		}

		db.closing.Store(true)
		close(db.stop)
		db.writerWG.Wait()

		db.stmtMu.Lock()
		for _, s := range db.stmts {
			_ = s.Close()
		}
		db.stmts = nil
		db.stmtMu.Unlock()

		if db.writeConn != nil {
			if err := db.writeConn.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close write connection")
			}
		}
		db.closeErr = db.conn.Close()
	})

	return db.closeErr
}

// Conn exposes the underlying pool for integrations that need raw access.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) migrate() error {
	ctx := context.Background()

	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".sql" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	var pending []string
	for _, filename := range files {
		var count int
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE filename = ?", filename).Scan(&count); err != nil {
			return fmt.Errorf("check migration status for %s: %w", filename, err)
		}
		if count == 0 {
			pending = append(pending, filename)
		}
	}

	if len(pending) == 0 {
		log.Debug().Msg("No pending migrations")
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, filename := range pending {
		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (filename) VALUES (?)", filename); err != nil {
			return fmt.Errorf("record migration %s: %w", filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}

	log.Info().Msgf("Applied %d migrations successfully", len(pending))
	return nil
}
