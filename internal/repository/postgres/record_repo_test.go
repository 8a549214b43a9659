package postgres

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/xela07ax/apitrail/internal/domain"
)

func TestBuildInsert_Placeholders(t *testing.T) {
	records := []domain.Record{
		{ServiceName: "a", Timestamp: 1700000000000, Method: "GET", URL: "/x", Body: domain.NoBody()},
		{ServiceName: "b", Timestamp: 1700000000001, Method: "POST", URL: "/y",
			Headers: domain.Fields{{Key: "Accept", Value: "*/*"}},
			Body:    domain.JSONBody(json.RawMessage(`{"k":1}`))},
	}

	q, vals, err := buildInsert(records)
	if err != nil {
		t.Fatalf("buildInsert: %v", err)
	}

	if len(vals) != 2*numFields {
		t.Fatalf("got %d args, want %d", len(vals), 2*numFields)
	}
	if !strings.HasSuffix(q, "($13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)") {
		t.Errorf("unexpected placeholder tail: %s", q)
	}
	if strings.HasSuffix(q, ",") {
		t.Error("trailing comma in query")
	}

	if vals[11] != nil {
		t.Errorf("absent body should be NULL, got %v", vals[11])
	}
	if vals[numFields+10] != `{"Accept":"*/*"}` {
		t.Errorf("headers arg %v", vals[numFields+10])
	}
	if vals[numFields+11] != `{"k":1}` {
		t.Errorf("body arg %v", vals[numFields+11])
	}
	if ts, ok := vals[1].(time.Time); !ok || ts.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp arg %v", vals[1])
	}
}

func TestSplitBatch_RespectsBindParamLimit(t *testing.T) {
	records := make([]domain.Record, maxRowsPerInsert+1)

	chunks := splitBatch(records, maxRowsPerInsert)
	if len(chunks) != 2 || len(chunks[0]) != maxRowsPerInsert || len(chunks[1]) != 1 {
		t.Fatalf("unexpected chunk sizes: %d chunks", len(chunks))
	}

	for i, chunk := range chunks {
		_, vals, err := buildInsert(chunk)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if len(vals) > 65535 {
			t.Fatalf("chunk %d has %d bind params, postgres allows 65535", i, len(vals))
		}
	}

	if _, _, err := buildInsert(records); err == nil {
		t.Fatal("expected error for a single insert over the bind param limit")
	}
}

func TestSplitBatch_Sizes(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 3, nil},
		{3, 3, []int{3}},
		{7, 3, []int{3, 3, 1}},
	}
	for _, tt := range tests {
		got := splitBatch(make([]domain.Record, tt.n), tt.size)
		if len(got) != len(tt.want) {
			t.Fatalf("n=%d: %d chunks, want %d", tt.n, len(got), len(tt.want))
		}
		for i := range got {
			if len(got[i]) != tt.want[i] {
				t.Errorf("n=%d chunk %d: %d records, want %d", tt.n, i, len(got[i]), tt.want[i])
			}
		}
	}
}

func TestBuildInsert_ReplacesValuesPostgresRejects(t *testing.T) {
	records := []domain.Record{
		{
			ServiceName: "svc",
			URL:         "/x\x00y",
			UserAgent:   "bad\x00ua",
			IP:          "\xff10.0.0.1",
			Headers:     domain.Fields{{Key: "X-Note", Value: "a\x00b"}},
			Body:        domain.JSONBody(json.RawMessage(`{"a":"\u0000"}`)),
		},
		{ServiceName: "svc", Body: domain.RawBody("raw\x00text")},
	}

	_, vals, err := buildInsert(records)
	if err != nil {
		t.Fatalf("buildInsert: %v", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.IndexByte(s, 0) >= 0 {
			t.Errorf("arg %d still contains NUL: %q", i, s)
		}
		if !utf8.ValidString(s) {
			t.Errorf("arg %d is not valid UTF-8: %q", i, s)
		}
	}

	if vals[3] != "/x\uFFFDy" || vals[7] != "bad\uFFFDua" || vals[6] != "\uFFFD10.0.0.1" {
		t.Errorf("text args not replaced: url=%q ip=%q ua=%q", vals[3], vals[6], vals[7])
	}
	if strings.Contains(vals[10].(string), `\u0000`) {
		t.Errorf("headers arg keeps \\u0000: %s", vals[10])
	}

	// JSON с \u0000 уходит строкой, которую JSONB принимает
	var body string
	if err := json.Unmarshal([]byte(vals[11].(string)), &body); err != nil {
		t.Fatalf("body arg %v is not a JSON string: %v", vals[11], err)
	}
	if body != `{"a":"\u0000"}` {
		t.Errorf("body arg %q", body)
	}
	if strings.Contains(vals[numFields+11].(string), `\u0000`) {
		t.Errorf("raw body arg keeps NUL escape: %s", vals[numFields+11])
	}
}

// Интеграционный тест: нужен живой Postgres.
func TestRecordRepo_WriteBatchIntegration(t *testing.T) {
	dsn := os.Getenv("APITRAIL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("APITRAIL_TEST_DATABASE_URL not set")
	}

	repo, err := NewRecordRepo(dsn)
	if err != nil {
		t.Fatalf("NewRecordRepo: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	batch := []domain.Record{
		{ServiceName: "it", Timestamp: time.Now().UnixMilli(), Method: "GET", URL: "/it", StatusCode: 200, Body: domain.RawBody("raw")},
	}
	if err := repo.Send(ctx, batch); err != nil {
		t.Fatalf("Send: %v", err)
	}
}
