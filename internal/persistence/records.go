package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Create inserts rec, assigning an ID when it has none.
func (s *SQLiteStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := checkKind(rec.Kind); err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, fields, err := encodeFields(rec.Fields)
	if err != nil {
		return Record{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO NOTHING
	`, string(rec.Kind), rec.ID, data, formatTime(now), formatTime(now))
	if err != nil {
		return Record{}, fmt.Errorf("failed to insert %s %q: %w", rec.Kind, rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Record{}, fmt.Errorf("%s %q: %w", rec.Kind, rec.ID, ErrExists)
	}

	rec.Fields = fields
	rec.CreatedAt, rec.UpdatedAt = now, now
	return rec, nil
}

// FindUnique returns the record of kind with the given ID.
func (s *SQLiteStore) FindUnique(ctx context.Context, kind Kind, id string) (Record, error) {
	return findUnique(ctx, s.db, kind, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findUnique(ctx context.Context, q queryer, kind Kind, id string) (Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, data, created_at, updated_at FROM records WHERE kind = ? AND id = ?
	`, string(kind), id)
	rec, err := scanRecord(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return rec, err
}

// FindMany returns matching records in insertion order.
func (s *SQLiteStore) FindMany(ctx context.Context, f Filter) ([]Record, error) {
	if err := checkKind(f.Kind); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`SELECT id, data, created_at, updated_at FROM records WHERE kind = ?`)
	args := []any{string(f.Kind)}
	for _, key := range slices.Sorted(maps.Keys(f.Where)) {
		if !fieldName.MatchString(key) {
			return nil, fmt.Errorf("invalid filter field %q", key)
		}
		v, err := filterValue(f.Where[key])
		if err != nil {
			return nil, fmt.Errorf("filter field %q: %w", key, err)
		}
		b.WriteString(` AND json_extract(data, ?) = ?`)
		args = append(args, "$."+key, v)
	}
	b.WriteString(` ORDER BY seq`)
	if f.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", f.Kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(f.Kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s records: %w", f.Kind, err)
	}
	return out, nil
}

// Update shallow-merges patch into a record's fields. A nil value removes
// the field.
func (s *SQLiteStore) Update(ctx context.Context, kind Kind, id string, patch map[string]any) (Record, error) {
	return s.merge(ctx, Record{Kind: kind, ID: id, Fields: patch}, false)
}

// Upsert creates rec or merges its fields into the existing record.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		return s.Create(ctx, rec)
	}
	return s.merge(ctx, rec, true)
}

func (s *SQLiteStore) merge(ctx context.Context, rec Record, create bool) (Record, error) {
	if err := checkKind(rec.Kind); err != nil {
		return Record{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	current, err := findUnique(ctx, tx, rec.Kind, rec.ID)
	switch {
	case errors.Is(err, ErrNotFound) && create:
		current = Record{Kind: rec.Kind, ID: rec.ID, Fields: map[string]any{}, CreatedAt: now}
	case err != nil:
		return Record{}, err
	}

	for k, v := range rec.Fields {
		if v == nil {
			delete(current.Fields, k)
			continue
		}
		current.Fields[k] = v
	}
	data, fields, err := encodeFields(current.Fields)
	if err != nil {
		return Record{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (kind, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, string(rec.Kind), rec.ID, data, formatTime(current.CreatedAt), formatTime(now))
	if err != nil {
		return Record{}, fmt.Errorf("failed to write %s %q: %w", rec.Kind, rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	current.Fields = fields
	current.UpdatedAt = now
	return current, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind Kind, row scanner) (Record, error) {
	var (
		rec              = Record{Kind: kind}
		data             string
		created, updated string
	)
	if err := row.Scan(&rec.ID, &data, &created, &updated); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("corrupt %s %q: %w", kind, rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return Record{}, fmt.Errorf("corrupt %s %q created_at: %w", kind, rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Record{}, fmt.Errorf("corrupt %s %q updated_at: %w", kind, rec.ID, err)
	}
	return rec, nil
}

// encodeFields serialises fields and returns them as they will read back.
func encodeFields(fields map[string]any) (string, map[string]any, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	var normalised map[string]any
	if err := json.Unmarshal(data, &normalised); err != nil {
		return "", nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return string(data), normalised, nil
}

func filterValue(v any) (any, error) {
	switch x := v.(type) {
	case string, float64, float32, int, int64, int32:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func checkKind(k Kind) error {
	switch k {
	case KindAgent, KindDepartment, KindTask:
		return nil
	}
	return fmt.Errorf("unknown record kind %q", k)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
