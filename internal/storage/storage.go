// Package storage is the transactional adapter over the jobs table
// (spec.md §4.D). The engine is MySQL — spec.md §6 names mysql_* config
// keys explicitly and the claim protocol relies on MySQL's
// `SELECT ... FOR UPDATE` row locking plus `?` positional placeholders —
// so this adapter is built on database/sql + github.com/go-sql-driver/mysql
// rather than the teacher's lib/pq (see DESIGN.md).
//
// The adapter follows the teacher's database/db.go shape (a thin struct
// wrapping *sql.DB, one method per domain query, errors returned not
// panicked) generalized with a one-shot reconnect-and-retry wrapper
// (spec.md §4.D: "Detect fatal connection errors and transparently
// reconnect once before failing the call").
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/jobfabric/jobfabric/internal/apierr"
)

// Store wraps a MySQL connection pool with the claim-transaction
// protocol the scheduler needs.
type Store struct {
	db    *sql.DB
	table string
}

// Connect opens and pings a MySQL connection pool for dsn.
func Connect(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &Store{db: db, table: "jobs"}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// isFatalConnErr recognizes the subset of errors that indicate the
// underlying connection, not the query, is at fault.
func isFatalConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var mErr *mysql.MySQLError
	if errors.As(err, &mErr) {
		switch mErr.Number {
		case 1053, 2006, 2013: // server shutdown, gone away, lost connection
			return true
		}
	}
	return false
}

// withReconnect runs fn, and on a fatal connection error pings once to
// force the pool to cycle the bad connection before retrying fn a
// single time.
func (s *Store) withReconnect(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err != nil && isFatalConnErr(err) {
		if pingErr := s.db.PingContext(ctx); pingErr == nil {
			err = fn()
		}
	}
	if err != nil {
		return apierr.WrapStorageError(op, err)
	}
	return nil
}

// inClause renders a `(?, ?, ...)` placeholder group for n values.
func inClause(n int) string {
	if n <= 0 {
		return "()"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

func toArgs[T any](values []T) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

type fetchedRow struct {
	id     uint64
	status string
	target string
}

// classify applies spec.md §4.F's per-row claim classification: wrong
// status first, then unserved target, otherwise accepted.
func classify(rows []fetchedRow, needed string, served map[string]bool) (results []ClaimResult, acceptedIDs, ignoredIDs []uint64) {
	for _, r := range rows {
		switch {
		case r.status != needed:
			results = append(results, ClaimResult{ID: r.id, Target: r.target, Outcome: ClaimIgnored,
				Reason: fmt.Sprintf("status=%s != needed", r.status)})
			ignoredIDs = append(ignoredIDs, r.id)
		case !served[r.target]:
			results = append(results, ClaimResult{ID: r.id, Target: r.target, Outcome: ClaimIgnored,
				Reason: fmt.Sprintf("target '%s' not served", r.target)})
			ignoredIDs = append(ignoredIDs, r.id)
		default:
			results = append(results, ClaimResult{ID: r.id, Target: r.target, Outcome: ClaimAccepted})
			acceptedIDs = append(acceptedIDs, r.id)
		}
	}
	return
}

// ClaimForPoll executes the polling-loop claim transaction (spec.md
// §4.F step 6): lock waiting rows for the served targets, accept or
// ignore each, commit. reachedLimit is true when the row count equals
// fetchLimit (0 disables the LIMIT clause, per spec.md §8). With no
// LIMIT, every waiting row for the given targets is locked and claimed
// in this one transaction, however many there are.
func (s *Store) ClaimForPoll(ctx context.Context, served []string, fetchLimit int) (accepted []JobRow, results []ClaimResult, reachedLimit bool, err error) {
	err = s.withReconnect(ctx, "claim-poll", func() error {
		accepted = nil
		results = nil
		reachedLimit = false

		if len(served) == 0 {
			return nil
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		query := fmt.Sprintf(`SELECT id, status, target FROM %s WHERE status = ? AND target IN %s ORDER BY id`,
			s.table, inClause(len(served)))
		args := append([]any{StatusWaiting}, toArgs(served)...)
		if fetchLimit > 0 {
			query += " LIMIT ?"
			args = append(args, fetchLimit)
		}
		query += " FOR UPDATE"

		fetched, qErr := queryFetchedRows(ctx, tx, query, args)
		if qErr != nil {
			return qErr
		}

		servedSet := toSet(served)
		var acceptedIDs, ignoredIDs []uint64
		results, acceptedIDs, ignoredIDs = classify(fetched, StatusWaiting, servedSet)

		for _, id := range acceptedIDs {
			accepted = append(accepted, JobRow{ID: id, Target: targetOf(fetched, id), Status: StatusAccepted})
		}

		if err := updateStatus(ctx, tx, s.table, acceptedIDs, StatusAccepted); err != nil {
			return err
		}
		if err := updateStatus(ctx, tx, s.table, ignoredIDs, StatusIgnored); err != nil {
			return err
		}

		reachedLimit = fetchLimit > 0 && len(fetched) >= fetchLimit
		return tx.Commit()
	})
	return
}

// ClaimForManual executes the manual-run claim transaction (spec.md
// §4.F "Manual run contract"): lock the requested ids regardless of
// target, classify accepted/ignored/not-found.
func (s *Store) ClaimForManual(ctx context.Context, ids []uint64, served []string) (accepted []JobRow, results []ClaimResult, err error) {
	err = s.withReconnect(ctx, "claim-manual", func() error {
		accepted = nil
		results = nil

		if len(ids) == 0 {
			return nil
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		query := fmt.Sprintf(`SELECT id, status, target FROM %s WHERE id IN %s FOR UPDATE`,
			s.table, inClause(len(ids)))
		fetched, qErr := queryFetchedRows(ctx, tx, query, toArgs(ids))
		if qErr != nil {
			return qErr
		}

		found := make(map[uint64]bool, len(fetched))
		for _, r := range fetched {
			found[r.id] = true
		}
		for _, id := range ids {
			if !found[id] {
				results = append(results, ClaimResult{ID: id, Outcome: ClaimNotFound, Reason: "job not found"})
			}
		}

		servedSet := toSet(served)
		var acceptedIDs, ignoredIDs []uint64
		var manualResults []ClaimResult
		manualResults, acceptedIDs, ignoredIDs = classify(fetched, StatusManual, servedSet)
		results = append(results, manualResults...)

		for _, id := range acceptedIDs {
			accepted = append(accepted, JobRow{ID: id, Target: targetOf(fetched, id), Status: StatusAccepted})
		}

		if err := updateStatus(ctx, tx, s.table, acceptedIDs, StatusAccepted); err != nil {
			return err
		}
		if err := updateStatus(ctx, tx, s.table, ignoredIDs, StatusIgnored); err != nil {
			return err
		}

		return tx.Commit()
	})
	return
}

// MarkRunning transitions a claimed row to running (spec.md §3
// invariant 2: time_started set exactly on this transition).
func (s *Store) MarkRunning(ctx context.Context, id uint64, startedAt time.Time) error {
	return s.withReconnect(ctx, "mark-running", func() error {
		query := fmt.Sprintf(`UPDATE %s SET status = ?, time_started = ? WHERE id = ?`, s.table)
		_, err := s.db.ExecContext(ctx, query, StatusRunning, startedAt.Unix(), id)
		return err
	})
}

// DoneUpdate is the final write a finished job makes (spec.md §4.G step 7).
type DoneUpdate struct {
	ID           uint64
	Result       string
	ReturnCode   *int
	Sig          string
	Stdout       string
	Stderr       string
	TimeFinished time.Time
}

// MarkDone transitions a row to done with its final outcome.
func (s *Store) MarkDone(ctx context.Context, u DoneUpdate) error {
	return s.withReconnect(ctx, "mark-done", func() error {
		query := fmt.Sprintf(`UPDATE %s SET status = ?, result = ?, return_code = ?, sig = ?, stdout = ?, stderr = ?, time_finished = ? WHERE id = ?`, s.table)
		var sig any
		if u.Sig != "" {
			sig = u.Sig
		}
		var code any
		if u.ReturnCode != nil {
			code = *u.ReturnCode
		}
		_, err := s.db.ExecContext(ctx, query, StatusDone, u.Result, code, sig, u.Stdout, u.Stderr, u.TimeFinished.Unix(), u.ID)
		return err
	})
}

func queryFetchedRows(ctx context.Context, tx *sql.Tx, query string, args []any) ([]fetchedRow, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fetchedRow
	for rows.Next() {
		var r fetchedRow
		if err := rows.Scan(&r.id, &r.status, &r.target); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func updateStatus(ctx context.Context, tx *sql.Tx, table string, ids []uint64, status string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ? WHERE id IN %s`, table, inClause(len(ids)))
	args := append([]any{status}, toArgs(ids)...)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func targetOf(rows []fetchedRow, id uint64) string {
	for _, r := range rows {
		if r.id == id {
			return r.target
		}
	}
	return ""
}
