package hipaa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/homecare/referrals/internal/platform/middleware"
)

type execCall struct {
	sql  string
	args []interface{}
}

type fakePool struct {
	execs    []execCall
	execErr  error
	tag      pgconn.CommandTag
	queryErr error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.tag, f.execErr
}

func (f *fakePool) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, f.queryErr
}

func TestAccessLog_RecordAccess(t *testing.T) {
	pool := &fakePool{}
	log := NewAccessLog(pool)
	at := time.Date(2025, 2, 19, 21, 0, 0, 0, time.UTC)

	err := log.RecordAccess(middleware.AuditEntry{
		UserID:     "nurse-1",
		UserRoles:  []string{"staff"},
		Resource:   "referrals",
		ReferralID: "TX-REF-2025-000001",
		Action:     "read",
		Method:     "GET",
		Path:       "/api/v1/referrals/TX-REF-2025-000001",
		StatusCode: 200,
		IPAddress:  "10.0.0.1",
		RequestID:  "req-1",
		Timestamp:  at,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pool.execs) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(pool.execs))
	}
	args := pool.execs[0].args
	if len(args) != 12 {
		t.Fatalf("expected 12 args, got %d", len(args))
	}
	if args[0] != "req-1" || args[1] != "nurse-1" || args[4] != "TX-REF-2025-000001" || args[5] != "read" {
		t.Errorf("unexpected args %v", args)
	}
	if got, ok := args[11].(time.Time); !ok || !got.Equal(at) {
		t.Errorf("expected accessed_at %v, got %v", at, args[11])
	}
}

func TestAccessLog_RecordAccess_DefaultsRolesAndTime(t *testing.T) {
	pool := &fakePool{}
	if err := NewAccessLog(pool).RecordAccess(middleware.AuditEntry{Resource: "status", Action: "status_check"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args := pool.execs[0].args
	if roles, ok := args[2].([]string); !ok || roles == nil {
		t.Errorf("expected empty role slice, got %#v", args[2])
	}
	if ts, ok := args[11].(time.Time); !ok || ts.IsZero() {
		t.Errorf("expected a timestamp, got %v", args[11])
	}
}

func TestAccessLog_RecordAccess_WrapsError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewAccessLog(&fakePool{execErr: cause}).RecordAccess(middleware.AuditEntry{})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestAccessLog_ForReferral_QueryError(t *testing.T) {
	cause := errors.New("relation does not exist")
	_, err := NewAccessLog(&fakePool{queryErr: cause}).ForReferral(context.Background(), "TX-REF-1", 10)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestAccessLog_Purge(t *testing.T) {
	pool := &fakePool{tag: pgconn.NewCommandTag("DELETE 7")}
	cutoff := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := NewAccessLog(pool).Purge(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 rows purged, got %d", n)
	}
	if got := pool.execs[0].args[0].(time.Time); !got.Equal(cutoff) {
		t.Errorf("unexpected cutoff %v", got)
	}
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 2, 19, 12, 0, 0, 0, time.UTC)

	cutoff, err := RetentionCutoff(now, DefaultAccessLogRetentionDays)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := now.AddDate(0, 0, -2190); !cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", cutoff, want)
	}

	if _, err := RetentionCutoff(now, 30); err == nil {
		t.Error("expected a window below the minimum to be refused")
	}
}
