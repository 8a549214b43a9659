package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/apitrail/internal/domain"
)

// numFields — количество колонок в таблице request_records (без id)
const numFields = 12

// maxRowsPerInsert: Postgres принимает не более 65535 bind-параметров на запрос
const maxRowsPerInsert = 65535 / numFields

// Schema создает таблицу приема записей.
const Schema = `CREATE TABLE IF NOT EXISTS request_records (
	id           BIGSERIAL PRIMARY KEY,
	service_name TEXT             NOT NULL,
	ts           TIMESTAMPTZ      NOT NULL,
	method       TEXT             NOT NULL,
	url          TEXT             NOT NULL,
	status_code  INT              NOT NULL,
	duration_ms  DOUBLE PRECISION NOT NULL,
	ip           TEXT             NOT NULL,
	user_agent   TEXT             NOT NULL,
	query        JSONB            NOT NULL,
	params       JSONB            NOT NULL,
	headers      JSONB            NOT NULL,
	body         JSONB
)`

// RecordRepo — sink, складывающий пачки прямо в Postgres вместо HTTP-коллектора.
type RecordRepo struct {
	db *sql.DB
}

func NewRecordRepo(connString string) (*RecordRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &RecordRepo{db: db}, nil
}

func (r *RecordRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Migrate создает таблицу, если ее нет.
func (r *RecordRepo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

func (r *RecordRepo) Close() error {
	return r.db.Close()
}

// Send реализует pipeline.Deliverer: вся пачка одной вставкой.
func (r *RecordRepo) Send(ctx context.Context, batch []domain.Record) error {
	return r.WriteBatch(ctx, batch)
}

// WriteBatch пишет пачку кусками по maxRowsPerInsert в одной транзакции:
// пачка либо сохраняется целиком, либо не сохраняется вовсе.
func (r *RecordRepo) WriteBatch(ctx context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range splitBatch(records, maxRowsPerInsert) {
		query, vals, err := buildInsert(chunk)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
			return fmt.Errorf("insert %d records: %w", len(chunk), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %d records: %w", len(records), err)
	}
	return nil
}

func splitBatch(records []domain.Record, size int) [][]domain.Record {
	chunks := make([][]domain.Record, 0, (len(records)+size-1)/size)
	for len(records) > size {
		chunks = append(chunks, records[:size])
		records = records[size:]
	}
	if len(records) > 0 {
		chunks = append(chunks, records)
	}
	return chunks
}

// buildInsert динамически строит запрос для пакетной вставки.
func buildInsert(records []domain.Record) (string, []interface{}, error) {
	if len(records) > maxRowsPerInsert {
		return "", nil, fmt.Errorf("batch of %d records exceeds %d rows per insert", len(records), maxRowsPerInsert)
	}

	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(records)*numFields)

	for i, rec := range records {
		if i > 0 {
			placeholders.WriteByte(',')
		}
		p := i * numFields
		placeholders.WriteByte('(')
		for j := 1; j <= numFields; j++ {
			if j > 1 {
				placeholders.WriteByte(',')
			}
			fmt.Fprintf(&placeholders, "$%d", p+j)
		}
		placeholders.WriteByte(')')

		query, err := json.Marshal(cleanFields(rec.Query))
		if err != nil {
			return "", nil, fmt.Errorf("marshal query: %w", err)
		}
		params, err := json.Marshal(cleanFields(rec.Params))
		if err != nil {
			return "", nil, fmt.Errorf("marshal params: %w", err)
		}
		headers, err := json.Marshal(cleanFields(rec.Headers))
		if err != nil {
			return "", nil, fmt.Errorf("marshal headers: %w", err)
		}

		var body interface{}
		if rec.Body.Kind() != domain.BodyAbsent {
			b, err := json.Marshal(cleanBody(rec.Body))
			if err != nil {
				return "", nil, fmt.Errorf("marshal body: %w", err)
			}
			body = string(b)
		}

		vals = append(vals,
			cleanText(rec.ServiceName), time.UnixMilli(rec.Timestamp).UTC(), cleanText(rec.Method), cleanText(rec.URL),
			rec.StatusCode, rec.Duration, cleanText(rec.IP), cleanText(rec.UserAgent),
			string(query), string(params), string(headers), body,
		)
	}

	q := "INSERT INTO request_records (service_name, ts, method, url, status_code, duration_ms, ip, user_agent, query, params, headers, body) VALUES " +
		placeholders.String()
	return q, vals, nil
}

// Postgres не хранит NUL и невалидный UTF-8 в TEXT, а JSONB отвергает \u0000.
// Такие значения заменяются на U+FFFD, чтобы одна запись не блокировала всю пачку.
func cleanText(s string) string {
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "\uFFFD")
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func cleanFields(f domain.Fields) domain.Fields {
	out := make(domain.Fields, len(f))
	for i, kv := range f {
		out[i] = domain.Field{Key: cleanText(kv.Key), Value: cleanText(kv.Value)}
	}
	return out
}

// cleanBody: JSON с \u0000 сохраняется сырой строкой, сырой текст чистится как TEXT.
func cleanBody(b domain.Body) domain.Body {
	switch b.Kind() {
	case domain.BodyJSON:
		if bytes.Contains(b.JSON(), []byte(`\u0000`)) || !utf8.Valid(b.JSON()) {
			return domain.RawBody(cleanText(string(b.JSON())))
		}
	case domain.BodyRaw:
		return domain.RawBody(cleanText(b.Raw()))
	}
	return b
}
