// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface for production use.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for archived proofs.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL archive.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the proofs table and its indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS proofs (
		    proof_id TEXT PRIMARY KEY,               -- Proof UUID
		    subject TEXT NOT NULL,                   -- Caller that verified the workout
		    date TEXT NOT NULL,                      -- Workout day (yyyy-MM-dd)
		    timestamp BIGINT NOT NULL,               -- Proof timestamp (epoch ms)
		    workout_data TEXT NOT NULL,              -- Hashed body, byte-exact
		    hash TEXT NOT NULL,                      -- Hex SHA-256 of workout_data
		    hash_algorithm TEXT NOT NULL,
		    verified BOOLEAN NOT NULL DEFAULT FALSE,
		    published BOOLEAN NOT NULL DEFAULT FALSE,
		    remote_url TEXT NOT NULL DEFAULT '',
		    mirror_url TEXT NOT NULL DEFAULT '',
		    publish_error TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_proofs_subject_created_at ON proofs(subject, created_at DESC, proof_id);
		CREATE INDEX IF NOT EXISTS idx_proofs_hash ON proofs(hash);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// SaveProof inserts a new archive row
func (p *postgres) SaveProof(ctx context.Context, rec model.ProofRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	// Postgres keeps microseconds; cursors must compare equal across backends.
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	query := `INSERT INTO proofs (proof_id, subject, date, timestamp, workout_data, hash, hash_algorithm, verified, published, remote_url, mirror_url, publish_error, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := p.db.Exec(ctx, query,
		rec.ProofID,
		rec.Subject,
		rec.Date,
		rec.Proof.Timestamp,
		string(rec.Proof.WorkoutData),
		rec.Proof.Hash,
		rec.Proof.HashAlgorithm,
		rec.Verified,
		rec.Published,
		rec.RemoteURL,
		rec.MirrorURL,
		rec.PublishError,
		rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to save proof: %w", err)
	}
	return nil
}

// UpdateProof records the publication outcome of an archived proof
func (p *postgres) UpdateProof(ctx context.Context, rec model.ProofRecord) error {
	query := `UPDATE proofs SET verified = $1, published = $2, remote_url = $3, mirror_url = $4, publish_error = $5
	          WHERE proof_id = $6`
	result, err := p.db.Exec(ctx, query,
		rec.Verified,
		rec.Published,
		rec.RemoteURL,
		rec.MirrorURL,
		rec.PublishError,
		rec.ProofID)
	if err != nil {
		return fmt.Errorf("failed to update proof: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const selectProof = `SELECT proof_id, subject, date, timestamp, workout_data, hash, hash_algorithm, verified, published, remote_url, mirror_url, publish_error, created_at FROM proofs`

func scanProof(row pgx.Row) (*model.ProofRecord, error) {
	var (
		rec     model.ProofRecord
		workout string
	)
	err := row.Scan(
		&rec.ProofID,
		&rec.Subject,
		&rec.Date,
		&rec.Proof.Timestamp,
		&workout,
		&rec.Proof.Hash,
		&rec.Proof.HashAlgorithm,
		&rec.Verified,
		&rec.Published,
		&rec.RemoteURL,
		&rec.MirrorURL,
		&rec.PublishError,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Proof.ProofID = rec.ProofID
	rec.Proof.WorkoutData = json.RawMessage(workout)
	return &rec, nil
}

// GetProof retrieves a proof by its ID
func (p *postgres) GetProof(ctx context.Context, proofID string) (*model.ProofRecord, error) {
	rec, err := scanProof(p.db.QueryRow(ctx, selectProof+` WHERE proof_id = $1`, proofID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get proof: %w", err)
	}
	return rec, nil
}

// ListProofs lists a subject's proofs newest first with cursor-based pagination
func (p *postgres) ListProofs(ctx context.Context, query model.ListProofsQuery) (*model.ListProofsResult, error) {
	baseQuery := selectProof + ` WHERE subject = $1`
	args := []interface{}{query.Subject}
	argIndex := 2

	if query.Cursor != "" {
		c, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		baseQuery += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND proof_id > $%d))", argIndex, argIndex, argIndex+1)
		args = append(args, c.LastCreatedAt, c.LastProofID)
		argIndex += 2
	}

	limit := clampLimit(query.Limit)
	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC, proof_id ASC LIMIT $%d", argIndex)
	args = append(args, limit+1) // One extra row tells us whether another page exists

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proofs: %w", err)
	}
	defer rows.Close()

	result := &model.ListProofsResult{Proofs: []model.ProofRecord{}}
	more := false
	for rows.Next() {
		rec, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proof: %w", err)
		}
		if len(result.Proofs) == limit {
			more = true
			break
		}
		result.Proofs = append(result.Proofs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proofs: %w", err)
	}

	if more && len(result.Proofs) > 0 {
		last := result.Proofs[len(result.Proofs)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ProofID)
	}
	return result, nil
}
