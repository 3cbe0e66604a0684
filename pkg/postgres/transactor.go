package postgres

import (
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// RowMapper is a type alias for a function that takes an sqlx.Rows instance
// and is responsible for iterating over all rows, scanning each result into
// some record.
type RowMapper func(*sqlx.Rows) error

// Transactor wraps an underlying sqlx.Tx, adding machinery for converting
// named queries into the form Postgres actually wants, and for rolling back
// on the first error or committing on success.
type Transactor interface {
	// CommitOrRollback finalizes the transaction. If any statement has already
	// failed the transaction was rolled back at that point and this is a noop;
	// otherwise it commits.
	CommitOrRollback() error

	// Exec executes the given sql statement with the given args, which may be
	// a named-parameter map or struct.
	Exec(sql string, args interface{}) error

	// Get executes the given sql statement, scanning the single result row
	// into the given destination.
	Get(dest interface{}, sql string, args interface{}) error

	// Map executes a query and pushes the resulting rows to the given
	// RowMapper function.
	Map(sql string, args interface{}, rm RowMapper) error
}

// transactor is the private type that implements the Transactor interface
type transactor struct {
	tx *sqlx.Tx

	sync.Mutex
	finalised    bool
	finalisedErr error
}

// BeginTX is a constructor function that returns a new Transactor ready for
// use, or an error if the transaction could not be started.
func BeginTX(db *sqlx.DB) (Transactor, error) {
	tx, err := db.Beginx()
	if err != nil {
		return nil, errors.Wrap(err, "failed to start transaction for Transactor")
	}

	return &transactor{
		tx: tx,
	}, nil
}

// CommitOrRollback keeps track of whether the transaction experienced any
// errors. If a statement already failed the transaction has been rolled back
// and we just return the stored error; otherwise we commit.
func (t *transactor) CommitOrRollback() error {
	t.Lock()
	defer t.Unlock()

	if t.finalised {
		return t.finalisedErr
	}

	t.finalised = true
	t.finalisedErr = t.tx.Commit()
	return t.finalisedErr
}

// Exec runs a statement where we don't care about any result beyond success.
// Named parameters are rebound into the positional form postgres expects.
func (t *transactor) Exec(sql string, args interface{}) error {
	nsql, nargs, err := t.normalizeSql(sql, args)
	if err != nil {
		return t.rollback(err)
	}

	_, err = t.tx.Exec(nsql, nargs...)
	if err != nil {
		return t.rollback(err)
	}

	return nil
}

// Get wraps tx.Get, scanning the single result row into dest. Args are
// normalized the same way as for Exec.
func (t *transactor) Get(dest interface{}, sql string, args interface{}) error {
	nsql, nargs, err := t.normalizeSql(sql, args)
	if err != nil {
		return t.rollback(err)
	}

	err = t.tx.Get(dest, nsql, nargs...)
	if err != nil {
		return t.rollback(err)
	}

	return nil
}

// Map runs a query and hands the result set to the given RowMapper, which is
// responsible for scanning each row.
func (t *transactor) Map(sql string, args interface{}, rm RowMapper) (err error) {
	nsql, nargs, err := t.normalizeSql(sql, args)
	if err != nil {
		return t.rollback(err)
	}

	rows, err := t.tx.Queryx(nsql, nargs...)
	if err != nil {
		return t.rollback(err)
	}

	defer func() {
		if cerr := rows.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	err = rm(rows)
	if err != nil {
		return t.rollback(err)
	}

	return err
}

// normalizeSql converts sql and args into a normalized form, converting named
// args into positional bindvars using sqlx.
func (t *transactor) normalizeSql(sql string, args interface{}) (string, []interface{}, error) {
	switch v := args.(type) {
	case []interface{}:
		return t.tx.Rebind(sql), v, nil

	default:
		normalizedSql, normalizedArgs, err := t.tx.BindNamed(sql, v)
		if err != nil {
			return "", nil, errors.Wrap(err, "error converting named sql to bindvar version")
		}
		return normalizedSql, normalizedArgs, nil
	}
}

// rollback rolls the transaction back, recording the original error so later
// calls see it.
func (t *transactor) rollback(origErr error) error {
	t.Lock()
	defer t.Unlock()

	if t.finalised {
		return errors.Wrap(origErr, t.finalisedErr.Error())
	}

	t.finalised = true
	rollbackErr := t.tx.Rollback()

	if rollbackErr == nil {
		return origErr
	}

	t.finalisedErr = origErr
	return t.finalisedErr
}
