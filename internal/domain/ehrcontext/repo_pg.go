package ehrcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrctx/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const contextTable = "ehr_patient_context"

var contextColumns = []string{
	"id", "patient_id", "type", "content", "data",
	"source_type", "source_recorded_at", "source_recorded_by", "created_at", "ordinal",
}

const contextCols = `id, patient_id, type, content, data,
	source_type, source_recorded_at, source_recorded_by, created_at`

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// ReplaceAll runs at READ COMMITTED. The transaction-scoped advisory lock
// serializes replacements of the same patient so concurrent ingestions cannot
// leave the union of two sets behind; other patients are not blocked.
func (r *repoPG) ReplaceAll(ctx context.Context, patientID string, items []*ContextItem) error {
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext('ehr_patient_context:' || $1))`, patientID); err != nil {
			return fmt.Errorf("lock patient partition: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM ehr_patient_context WHERE patient_id = $1`, patientID); err != nil {
			return fmt.Errorf("delete: %w", err)
		}

		if len(items) == 0 {
			return nil
		}

		rows := make([][]any, 0, len(items))
		for i, item := range items {
			if item.PatientID != patientID {
				return fmt.Errorf("item %s belongs to patient %q, not %q", item.ID, item.PatientID, patientID)
			}
			row, err := itemRow(item)
			if err != nil {
				return err
			}
			rows = append(rows, append(row, i))
		}

		n, err := tx.CopyFrom(ctx, pgx.Identifier{contextTable}, contextColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		if int(n) != len(items) {
			return fmt.Errorf("insert: copied %d of %d rows", n, len(items))
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "replace_all", Err: err}
	}
	return nil
}

func itemRow(item *ContextItem) ([]any, error) {
	var data any
	if item.Data != nil {
		raw, err := json.Marshal(item.Data)
		if err != nil {
			return nil, fmt.Errorf("encode data for item %s: %w", item.ID, err)
		}
		data = raw
	}
	var recordedAt any
	if item.Source.RecordedAt != nil {
		recordedAt = item.Source.RecordedAt.Time
	}
	return []any{
		item.ID, item.PatientID, string(item.Type), item.Content, data,
		string(item.Source.Type), recordedAt, item.Source.RecordedBy, item.CreatedAt,
	}, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string) ([]*ContextItem, error) {
	items, err := r.list(ctx, `SELECT `+contextCols+` FROM ehr_patient_context WHERE patient_id = $1 ORDER BY ordinal`, patientID)
	if err != nil {
		return nil, &StorageError{Op: "list_by_patient", Err: err}
	}
	return items, nil
}

func (r *repoPG) ListByPatientAndTypes(ctx context.Context, patientID string, types []ContextType) ([]*ContextItem, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	items, err := r.list(ctx,
		`SELECT `+contextCols+` FROM ehr_patient_context WHERE patient_id = $1 AND type = ANY($2) ORDER BY ordinal`,
		patientID, names)
	if err != nil {
		return nil, &StorageError{Op: "list_by_patient_and_types", Err: err}
	}
	return items, nil
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*ContextItem, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*ContextItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanItem(row pgx.Row) (*ContextItem, error) {
	var (
		item       ContextItem
		typ        string
		sourceType string
		data       []byte
		recordedAt *time.Time
	)
	if err := row.Scan(&item.ID, &item.PatientID, &typ, &item.Content, &data,
		&sourceType, &recordedAt, &item.Source.RecordedBy, &item.CreatedAt); err != nil {
		return nil, err
	}

	item.Type = ContextType(typ)
	item.Source.Type = SourceType(sourceType)
	if recordedAt != nil {
		d := DateOf(*recordedAt)
		item.Source.RecordedAt = &d
	}
	if data != nil {
		if err := json.Unmarshal(data, &item.Data); err != nil {
			return nil, fmt.Errorf("decode data for item %s: %w", item.ID, err)
		}
	}
	return &item, nil
}
