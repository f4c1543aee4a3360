package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"work/internal/store"
)

// Default retry policy, adapted from the teacher's Fail() (postgres/queue.go):
// base delay doubles per attempt, capped, with bounded jitter layered on top
// so many jobs failing at once don't all wake up in the same instant.
const (
	retryBaseDelay = 10 * time.Second
	retryMaxDelay  = 10 * time.Minute
)

func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, jobType store.JobType, payload []byte, dedupeKey *string, notBefore *time.Time) (int64, error) {
	var executor DBTransactionLike = s.db
	if tx != nil {
		if e, ok := tx.(DBTransactionLike); ok {
			executor = e
		} else {
			return 0, fmt.Errorf("sqlite: enqueue: tx does not satisfy DBTransactionLike")
		}
	}

	if dedupeKey != nil {
		var existingID int64
		err := executor.QueryRowContext(ctx, `
			SELECT id FROM jobs WHERE dedupe_key = ? AND status IN (?, ?)
		`, *dedupeKey, string(store.JobPending), string(store.JobRunning)).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("sqlite: enqueue: check dedupe key: %w", err)
		}
	}

	now := time.Now().UTC()
	nb := now
	if notBefore != nil {
		nb = *notBefore
	}

	res, err := executor.ExecContext(ctx, `
		INSERT INTO jobs (type, payload, status, attempt, not_before, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)
	`, string(jobType), payload, string(store.JobPending), formatTime(nb), dedupeKey, formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue %s: %w", jobType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue %s: last insert id: %w", jobType, err)
	}
	return id, nil
}

// Claim leases up to limit pending, eligible jobs. It runs inside a
// BEGIN IMMEDIATE transaction (like every other multi-row mutation, spec.md
// §5) so two workers racing Claim never both win the same row: SQLite's
// single-writer discipline serializes the select-then-update pair.
func (s *Store) Claim(ctx context.Context, limit int, lease time.Duration, owner string) ([]*store.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []*store.Job

	err := s.withImmediateTx(ctx, func(exec DBTransactionLike) error {
		now := time.Now().UTC()
		rows, err := exec.QueryContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ? AND not_before <= ?
			ORDER BY created_at ASC
			LIMIT ?
		`, string(store.JobPending), formatTime(now), limit)
		if err != nil {
			return fmt.Errorf("select claimable jobs: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable job id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		leaseExpiresAt := formatTime(now.Add(lease))
		for _, id := range ids {
			if _, err := exec.ExecContext(ctx, `
				UPDATE jobs
				SET status = ?, attempt = attempt + 1, lease_expires_at = ?, lease_owner = ?, updated_at = ?
				WHERE id = ? AND status = ?
			`, string(store.JobRunning), leaseExpiresAt, owner, formatTime(now), id, string(store.JobPending)); err != nil {
				return fmt.Errorf("claim job %d: %w", id, err)
			}

			row := exec.QueryRowContext(ctx, `
				SELECT id, type, payload, status, attempt, not_before, lease_expires_at, lease_owner, dedupe_key, last_error, created_at, updated_at
				FROM jobs WHERE id = ?
			`, id)
			job, err := scanJobRow(row)
			if err != nil {
				return fmt.Errorf("reload claimed job %d: %w", id, err)
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat extends a running job's lease iff it is still owned by owner.
func (s *Store) Heartbeat(ctx context.Context, jobID int64, lease time.Duration, owner string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?
	`, formatTime(now.Add(lease)), formatTime(now), jobID, string(store.JobRunning), owner)
	if err != nil {
		return false, fmt.Errorf("sqlite: heartbeat job %d: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: heartbeat job %d rows affected: %w", jobID, err)
	}
	return n > 0, nil
}

func (s *Store) Complete(ctx context.Context, jobID int64) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = '', updated_at = ? WHERE id = ?
	`, string(store.JobComplete), now, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail requeues jobID with backoff, or marks it permanently failed if fatal
// or attempt has exhausted maxAttempts.
func (s *Store) Fail(ctx context.Context, jobID int64, errMsg string, fatal bool, maxAttempts int) error {
	var attempt int
	err := s.db.QueryRowContext(ctx, `SELECT attempt FROM jobs WHERE id = ?`, jobID).Scan(&attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &store.NotFoundError{Entity: "job", ID: strconv.FormatInt(jobID, 10)}
		}
		return fmt.Errorf("sqlite: fail job %d: read attempt: %w", jobID, err)
	}

	now := time.Now().UTC()
	if fatal || attempt >= maxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
		`, string(store.JobFailed), errMsg, formatTime(now), jobID)
		if err != nil {
			return fmt.Errorf("sqlite: fail job %d permanently: %w", jobID, err)
		}
		return nil
	}

	delay := retryDelay(jobID, attempt)
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, not_before = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(store.JobPending), formatTime(now.Add(delay)), errMsg, formatTime(now), jobID)
	if err != nil {
		return fmt.Errorf("sqlite: requeue job %d: %w", jobID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID int64) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload, status, attempt, not_before, lease_expires_at, lease_owner, dedupe_key, last_error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, jobID)
	job, err := scanJobRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.NotFoundError{Entity: "job", ID: strconv.FormatInt(jobID, 10)}
		}
		return nil, fmt.Errorf("sqlite: get job %d: %w", jobID, err)
	}
	return job, nil
}

// Recover requeues jobs left "running" whose lease has expired, without
// touching attempt further — the reaper isn't a failed attempt, it's
// reclaiming a lease nobody renewed (spec.md §4.B Recovery).
func (s *Store) Recover(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, lease_owner = '', updated_at = ?
		WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, string(store.JobPending), formatTime(now), string(store.JobRunning), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Count(ctx context.Context, status store.JobStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count jobs %s: %w", status, err)
	}
	return n, nil
}

func scanJobRow(row rowScanner) (*store.Job, error) {
	var j store.Job
	var status string
	var notBefore, leaseExpiresAt sql.NullString
	var dedupeKey sql.NullString
	var created, updated string
	if err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &status, &j.Attempt, &notBefore, &leaseExpiresAt,
		&j.LeaseOwner, &dedupeKey, &j.LastError, &created, &updated,
	); err != nil {
		return nil, err
	}
	j.Status = store.JobStatus(status)
	if notBefore.Valid {
		t, err := parseTime(notBefore.String)
		if err != nil {
			return nil, err
		}
		j.NotBefore = &t
	}
	if leaseExpiresAt.Valid {
		t, err := parseTime(leaseExpiresAt.String)
		if err != nil {
			return nil, err
		}
		j.LeaseExpiresAt = &t
	}
	if dedupeKey.Valid {
		k := dedupeKey.String
		j.DedupeKey = &k
	}
	var err error
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &j, nil
}

// retryDelay computes exponential backoff with bounded jitter derived
// deterministically from the job id and attempt number, so the delay is
// reproducible without depending on a random source.
func retryDelay(jobID int64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}

	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(jobID, 10) + ":" + strconv.Itoa(attempt)))
	jitter := time.Duration(int64(h.Sum64() % uint64(jitterMax)))

	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
