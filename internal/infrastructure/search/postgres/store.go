package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/infrastructure/resilience"
)

const (
	OperationSearchLexical = "postgres.search_lexical"
	OperationSearchVector  = "postgres.search_vector"
)

var textSearchConfigName = regexp.MustCompile(`^[a-z_]+$`)

type Config struct {
	Table string
	// TextSearchConfig is the regconfig passed to websearch_to_tsquery.
	TextSearchConfig string
}

// Store serves lexical search from a tsvector column ranked by ts_rank_cd
// and vector search from a pgvector column ordered by cosine distance.
type Store struct {
	db       *sql.DB
	table    string
	tsConfig string
	executor *resilience.Executor
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func NewStore(db *sql.DB, cfg Config, executor *resilience.Executor) (*Store, error) {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "postgres store", errors.New("table is required"))
	}
	tsConfig := strings.TrimSpace(cfg.TextSearchConfig)
	if tsConfig == "" {
		tsConfig = "english"
	}
	if !textSearchConfigName.MatchString(tsConfig) {
		return nil, domain.WrapError(domain.ErrConfiguration, "postgres store", fmt.Errorf("invalid text search config %q", tsConfig))
	}
	return &Store{
		db:       db,
		table:    pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		tsConfig: tsConfig,
		executor: executor,
	}, nil
}

// EnsureSchema creates the papers table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return domain.WrapError(domain.ErrConfiguration, "postgres ensure schema", fmt.Errorf("invalid vector dimensions %d", dimensions))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	abstract TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	keywords JSONB NOT NULL DEFAULT '[]'::jsonb,
	search_tsv TSVECTOR GENERATED ALWAYS AS (
		to_tsvector('%[2]s'::regconfig, title || ' ' || abstract || ' ' || body)
	) STORED,
	embedding VECTOR(%[3]d)
);

CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s USING GIN (search_tsv);
CREATE INDEX IF NOT EXISTS %[5]s ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, s.table, s.tsConfig, dimensions,
		pgx.Identifier{indexName(s.table, "tsv")}.Sanitize(),
		pgx.Identifier{indexName(s.table, "embedding")}.Sanitize(),
	)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) SearchLexical(ctx context.Context, queryText string, limit int) ([]domain.RawHit, error) {
	query := fmt.Sprintf(`
SELECT id, title, abstract, body, keywords, ts_rank_cd(search_tsv, q) AS score
FROM %s, websearch_to_tsquery($1::regconfig, $2) AS q
WHERE search_tsv @@ q
ORDER BY score DESC, id
LIMIT $3`, s.table)

	var hits []domain.RawHit
	err := s.run(ctx, OperationSearchLexical, func(callCtx context.Context) error {
		var err error
		hits, err = s.query(callCtx, domain.RetrievalLexical, false, query, s.tsConfig, queryText, limit)
		return err
	})
	return hits, err
}

func (s *Store) SearchVector(ctx context.Context, queryVector []float32, limit int) ([]domain.RawHit, error) {
	query := fmt.Sprintf(`
SELECT id, title, abstract, body, keywords, embedding <=> $1 AS distance
FROM %s
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1, id
LIMIT $2`, s.table)

	var hits []domain.RawHit
	err := s.run(ctx, OperationSearchVector, func(callCtx context.Context) error {
		var err error
		hits, err = s.query(callCtx, domain.RetrievalVector, true, query, pgvector.NewVector(queryVector), limit)
		return err
	})
	return hits, err
}

func (s *Store) run(ctx context.Context, operation string, fn func(context.Context) error) error {
	if s.executor == nil {
		return fn(ctx)
	}
	err := s.executor.Execute(ctx, operation, fn, classifyPostgresError)
	return resilience.WrapTemporaryIfNeeded(operation, err, classifyPostgresError)
}

func (s *Store) query(
	ctx context.Context,
	mode domain.RetrievalMode,
	isDistance bool,
	query string,
	args ...any,
) ([]domain.RawHit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s search query: %w", mode, err)
	}
	defer rows.Close()

	out := make([]domain.RawHit, 0)
	for rows.Next() {
		var (
			hit         domain.RawHit
			keywordsRaw []byte
		)
		if err := rows.Scan(
			&hit.DocumentID,
			&hit.Fields.Title,
			&hit.Fields.Abstract,
			&hit.Fields.Body,
			&keywordsRaw,
			&hit.Value,
		); err != nil {
			return nil, fmt.Errorf("scan %s hit: %w", mode, err)
		}
		if len(keywordsRaw) > 0 {
			if err := json.Unmarshal(keywordsRaw, &hit.Fields.Keywords); err != nil {
				return nil, fmt.Errorf("decode keywords for %s: %w", hit.DocumentID, err)
			}
		}
		hit.Mode = mode
		hit.IsDistance = isDistance
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s hits: %w", mode, err)
	}
	return out, nil
}

// classifyPostgresError retries connection-level failures and serialization conflicts.
func classifyPostgresError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, driver.ErrBadConn) || resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "57P01", pgErr.Code == "53300":
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		default:
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func indexName(table, suffix string) string {
	name := strings.NewReplacer(`"`, "", ".", "_").Replace(table)
	return "idx_" + name + "_" + suffix
}
