// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface holds the database interfaces shared by the database
// implementation and the model stores, so neither has to import the other.
package dbinterface

import (
	"context"
	"database/sql"
)

// Querier is the common surface for running queries. It is satisfied by
// *sql.DB, *sql.Tx and *database.DB, which lets stores run the same code
// inside and outside of transactions.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQuerier is a transaction handle exposed by the database layer.
type TxQuerier interface {
	Querier
	Commit() error
	Rollback() error
}

// TxBeginner is implemented by types that can open transactions.
type TxBeginner interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (TxQuerier, error)
}
