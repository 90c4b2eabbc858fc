// Package hipaa keeps the durable record of who accessed which referral.
package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/homecare/referrals/internal/platform/middleware"
)

// recordTimeout bounds the insert made after each audited request.
const recordTimeout = 5 * time.Second

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// AccessRecord is one row of referral_access_log.
type AccessRecord struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"requestId"`
	UserID     string    `json:"userId"`
	UserRoles  []string  `json:"userRoles"`
	Resource   string    `json:"resource"`
	ReferralID string    `json:"referralId,omitempty"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"statusCode"`
	IPAddress  string    `json:"ipAddress"`
	UserAgent  string    `json:"userAgent"`
	AccessedAt time.Time `json:"accessedAt"`
}

// AccessLog writes audit entries to Postgres. It satisfies
// middleware.AuditRecorder.
type AccessLog struct {
	pool execQuerier
}

func NewAccessLog(pool execQuerier) *AccessLog {
	return &AccessLog{pool: pool}
}

var _ middleware.AuditRecorder = (*AccessLog)(nil)

func (l *AccessLog) RecordAccess(entry middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	at := entry.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	roles := entry.UserRoles
	if roles == nil {
		roles = []string{}
	}

	const query = `
		INSERT INTO referral_access_log (
			request_id, user_id, user_roles, resource, referral_id, action,
			method, path, status_code, ip_address, user_agent, accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := l.pool.Exec(ctx, query,
		entry.RequestID, entry.UserID, roles, entry.Resource, entry.ReferralID, entry.Action,
		entry.Method, entry.Path, entry.StatusCode, entry.IPAddress, entry.UserAgent, at,
	)
	if err != nil {
		return fmt.Errorf("hipaa access log: insert: %w", err)
	}
	return nil
}

// ForReferral returns the newest limit accesses to one referral.
func (l *AccessLog) ForReferral(ctx context.Context, referralID string, limit int) ([]AccessRecord, error) {
	const query = `
		SELECT id, request_id, user_id, user_roles, resource, referral_id, action,
		       method, path, status_code, ip_address, user_agent, accessed_at
		FROM referral_access_log
		WHERE referral_id = $1
		ORDER BY accessed_at DESC, id DESC
		LIMIT $2`

	rows, err := l.pool.Query(ctx, query, referralID, limit)
	if err != nil {
		return nil, fmt.Errorf("hipaa access log: query: %w", err)
	}
	defer rows.Close()

	var out []AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.UserID, &r.UserRoles, &r.Resource, &r.ReferralID, &r.Action,
			&r.Method, &r.Path, &r.StatusCode, &r.IPAddress, &r.UserAgent, &r.AccessedAt,
		); err != nil {
			return nil, fmt.Errorf("hipaa access log: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hipaa access log: rows: %w", err)
	}
	return out, nil
}

// Purge deletes accesses recorded before cutoff and reports how many went.
func (l *AccessLog) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM referral_access_log WHERE accessed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("hipaa access log: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
