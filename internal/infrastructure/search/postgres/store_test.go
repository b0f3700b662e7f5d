package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	store, err := NewStore(db, Config{Table: "papers"}, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, mock, func() { _ = db.Close() }
}

var hitColumns = []string{"id", "title", "abstract", "body", "keywords", "score"}

func TestSearchLexicalScansRankedRows(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery(`SELECT id, title, abstract, body, keywords, ts_rank_cd`).
		WithArgs("english", "transformer attention", 50).
		WillReturnRows(sqlmock.NewRows(hitColumns).
			AddRow("p1", "Attention Is All You Need", "abs", "body", []byte(`["nlp","attention"]`), 0.8).
			AddRow("p2", "BERT", "", "", []byte(`[]`), 0.2))

	hits, err := store.SearchLexical(context.Background(), "transformer attention", 50)
	if err != nil {
		t.Fatalf("SearchLexical() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].DocumentID != "p1" || hits[0].Value != 0.8 || hits[0].IsDistance {
		t.Fatalf("unexpected first hit: %+v", hits[0])
	}
	if len(hits[0].Fields.Keywords) != 2 || hits[0].Fields.Keywords[1] != "attention" {
		t.Fatalf("unexpected keywords: %+v", hits[0].Fields.Keywords)
	}
	if hits[1].Mode != domain.RetrievalLexical {
		t.Fatalf("expected lexical mode, got %q", hits[1].Mode)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchVectorMarksDistances(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery(`embedding <=> \$1 AS distance`).
		WithArgs(sqlmock.AnyArg(), 10).
		WillReturnRows(sqlmock.NewRows(hitColumns).
			AddRow("p1", "Attention", "", "", []byte(`[]`), 0.06))

	hits, err := store.SearchVector(context.Background(), []float32{0.1, 0.2}, 10)
	if err != nil {
		t.Fatalf("SearchVector() error = %v", err)
	}
	if len(hits) != 1 || !hits[0].IsDistance || hits[0].Value != 0.06 {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchPropagatesQueryError(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectQuery(`ts_rank_cd`).WillReturnError(errors.New("relation does not exist"))

	if _, err := store.SearchLexical(context.Background(), "q", 5); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewStoreValidatesConfig(t *testing.T) {
	if _, err := NewStore(nil, Config{}, nil); !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for empty table, got %v", err)
	}
	if _, err := NewStore(nil, Config{Table: "papers", TextSearchConfig: "english'; drop"}, nil); !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error for bad regconfig, got %v", err)
	}
	store, err := NewStore(nil, Config{Table: "public.papers"}, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store.table != `"public"."papers"` {
		t.Fatalf("unexpected sanitized table: %s", store.table)
	}
}

func TestClassifyPostgresError(t *testing.T) {
	if got := classifyPostgresError(&pgconn.PgError{Code: "08006"}); !got.Retryable {
		t.Fatalf("expected connection failure to be retryable")
	}
	if got := classifyPostgresError(&pgconn.PgError{Code: "42P01"}); got.Retryable || got.RecordFailure {
		t.Fatalf("expected undefined table to be permanent, got %+v", got)
	}
	if got := classifyPostgresError(context.DeadlineExceeded); got.Retryable {
		t.Fatalf("expected deadline to be non-retryable")
	}
}
