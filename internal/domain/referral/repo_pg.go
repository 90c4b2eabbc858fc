package referral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/homecare/referrals/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PgxPool is the subset of *pgxpool.Pool the store uses.
type PgxPool interface {
	queryable
	db.Beginner
}

const pgInsufficientPrivilege = "42501"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type repoPG struct{ pool PgxPool }

// NewRepoPG returns a Postgres-backed Repository. A referral is one row in
// referrals plus ordered rows in the history, notes and documents tables.
func NewRepoPG(pool PgxPool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

var referralCols = []string{
	"id", "status", "fields", "ai_summary", "created_at", "updated_at",
}

func (r *repoPG) scanReferral(row pgx.Row) (*Referral, error) {
	var (
		ref        Referral
		fieldsJSON []byte
		aiJSON     []byte
	)
	if err := row.Scan(&ref.ID, &ref.Status, &fieldsJSON, &aiJSON, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &ref.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", ref.ID, err)
	}
	if len(aiJSON) > 0 {
		ref.AISummary = &AISummary{}
		if err := json.Unmarshal(aiJSON, ref.AISummary); err != nil {
			return nil, fmt.Errorf("decode ai summary of %s: %w", ref.ID, err)
		}
	}
	ref.CreatedAt = ref.CreatedAt.UTC()
	ref.UpdatedAt = ref.UpdatedAt.UTC()
	ref.Documents = []Document{}
	ref.StatusHistory = []StatusChange{}
	ref.InternalNotes = []InternalNote{}
	return &ref, nil
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Referral, error) {
	query, args, err := psql.Select(referralCols...).From("referrals").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	ref, err := r.scanReferral(r.conn(ctx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapPgError(err)
	}
	if err := r.loadChildren(ctx, map[string]*Referral{ref.ID: ref}); err != nil {
		return nil, err
	}
	return ref, nil
}

func (r *repoPG) FindByIDAndDOB(ctx context.Context, id, dob string) (*Referral, error) {
	ref, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref.PatientDOB != dob {
		return nil, ErrNotFound
	}
	return ref, nil
}

func (r *repoPG) GetAll(ctx context.Context) ([]*Referral, error) {
	items, _, err := r.Search(ctx, SearchParams{})
	return items, err
}

func (r *repoPG) Search(ctx context.Context, params SearchParams) ([]*Referral, int, error) {
	var where sq.And
	if params.Status != "" {
		where = append(where, sq.Eq{"status": params.Status})
	}
	if q := strings.TrimSpace(params.Query); q != "" {
		pattern := "%" + escapeLike(q) + "%"
		where = append(where, sq.Or{
			sq.ILike{"patient_name": pattern},
			sq.ILike{"organization_name": pattern},
		})
	}

	countQ := psql.Select("COUNT(*)").From("referrals")
	dataQ := psql.Select(referralCols...).From("referrals").OrderBy("created_at DESC", "id")
	if len(where) > 0 {
		countQ = countQ.Where(where)
		dataQ = dataQ.Where(where)
	}
	if params.Limit > 0 {
		dataQ = dataQ.Limit(uint64(params.Limit))
	}
	if params.Offset > 0 {
		dataQ = dataQ.Offset(uint64(params.Offset))
	}

	query, args, err := countQ.ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return nil, 0, mapPgError(err)
	}

	query, args, err = dataQ.ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapPgError(err)
	}
	defer rows.Close()

	items := []*Referral{}
	byID := make(map[string]*Referral)
	for rows.Next() {
		ref, err := r.scanReferral(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ref)
		byID[ref.ID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPgError(err)
	}
	rows.Close()

	if err := r.loadChildren(ctx, byID); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) loadChildren(ctx context.Context, byID map[string]*Referral) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	err := r.eachChild(ctx, "referral_status_history", []string{"status", "changed_at", "notes"}, ids,
		func(rows pgx.Rows) error {
			var owner string
			var h StatusChange
			if err := rows.Scan(&owner, &h.Status, &h.ChangedAt, &h.Notes); err != nil {
				return err
			}
			if ref, ok := byID[owner]; ok {
				h.ChangedAt = h.ChangedAt.UTC()
				ref.StatusHistory = append(ref.StatusHistory, h)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("load status history: %w", err)
	}

	err = r.eachChild(ctx, "referral_notes", []string{"id", "content", "author", "created_at"}, ids,
		func(rows pgx.Rows) error {
			var owner string
			var n InternalNote
			if err := rows.Scan(&owner, &n.ID, &n.Content, &n.Author, &n.CreatedAt); err != nil {
				return err
			}
			if ref, ok := byID[owner]; ok {
				n.CreatedAt = n.CreatedAt.UTC()
				ref.InternalNotes = append(ref.InternalNotes, n)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("load notes: %w", err)
	}

	err = r.eachChild(ctx, "referral_documents", []string{"id", "name", "url", "size"}, ids,
		func(rows pgx.Rows) error {
			var owner string
			var d Document
			if err := rows.Scan(&owner, &d.ID, &d.Name, &d.URL, &d.Size); err != nil {
				return err
			}
			if ref, ok := byID[owner]; ok {
				ref.Documents = append(ref.Documents, d)
			}
			return nil
		})
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	return nil
}

// eachChild streams rows of a child table ordered by position, with
// referral_id as the first column.
func (r *repoPG) eachChild(ctx context.Context, table string, cols, ids []string, scan func(pgx.Rows) error) error {
	query, args, err := psql.Select(append([]string{"referral_id"}, cols...)...).
		From(table).
		Where(sq.Eq{"referral_id": ids}).
		OrderBy("referral_id", "position").
		ToSql()
	if err != nil {
		return err
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return mapPgError(err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return mapPgError(rows.Err())
}

func (r *repoPG) Save(ctx context.Context, ref *Referral) error {
	fieldsJSON, err := json.Marshal(ref.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	var aiJSON []byte
	if ref.AISummary != nil {
		if aiJSON, err = json.Marshal(ref.AISummary); err != nil {
			return fmt.Errorf("encode ai summary: %w", err)
		}
	}

	err = db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		upsert, args, err := psql.Insert("referrals").
			Columns("id", "status", "patient_dob", "patient_name", "organization_name",
				"fields", "ai_summary", "created_at", "updated_at").
			Values(ref.ID, ref.Status, ref.PatientDOB, ref.PatientFullName, ref.OrganizationName,
				fieldsJSON, aiJSON, ref.CreatedAt, ref.UpdatedAt).
			Suffix(`ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				patient_dob = EXCLUDED.patient_dob,
				patient_name = EXCLUDED.patient_name,
				organization_name = EXCLUDED.organization_name,
				fields = EXCLUDED.fields,
				ai_summary = EXCLUDED.ai_summary,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at`).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := r.conn(ctx).Exec(ctx, upsert, args...); err != nil {
			return fmt.Errorf("upsert referral: %w", err)
		}

		for _, table := range []string{"referral_status_history", "referral_notes", "referral_documents"} {
			del, args, err := psql.Delete(table).Where(sq.Eq{"referral_id": ref.ID}).ToSql()
			if err != nil {
				return err
			}
			if _, err := r.conn(ctx).Exec(ctx, del, args...); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		if len(ref.StatusHistory) > 0 {
			ins := psql.Insert("referral_status_history").
				Columns("referral_id", "position", "status", "changed_at", "notes")
			for i, h := range ref.StatusHistory {
				ins = ins.Values(ref.ID, i, h.Status, h.ChangedAt, h.Notes)
			}
			if err := r.exec(ctx, ins); err != nil {
				return fmt.Errorf("insert status history: %w", err)
			}
		}

		if len(ref.InternalNotes) > 0 {
			ins := psql.Insert("referral_notes").
				Columns("referral_id", "position", "id", "content", "author", "created_at")
			for i, n := range ref.InternalNotes {
				ins = ins.Values(ref.ID, i, n.ID, n.Content, n.Author, n.CreatedAt)
			}
			if err := r.exec(ctx, ins); err != nil {
				return fmt.Errorf("insert notes: %w", err)
			}
		}

		if len(ref.Documents) > 0 {
			ins := psql.Insert("referral_documents").
				Columns("referral_id", "position", "id", "name", "url", "size")
			for i, d := range ref.Documents {
				ins = ins.Values(ref.ID, i, d.ID, d.Name, d.URL, d.Size)
			}
			if err := r.exec(ctx, ins); err != nil {
				return fmt.Errorf("insert documents: %w", err)
			}
		}
		return nil
	})
	return mapPgError(err)
}

func (r *repoPG) exec(ctx context.Context, b sq.InsertBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, query, args...)
	return err
}

// mapPgError translates driver errors into package sentinels, keeping the
// original in the chain.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgInsufficientPrivilege {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, pgErr.Message)
	}
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
