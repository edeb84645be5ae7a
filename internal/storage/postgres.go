package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/capsulevault/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const capsuleColumns = `id, owner_id, ciphertext, unlock_at, question, answer_ciphertext, created_at`

// validID reports whether id can match the UUID-typed id column. Ids are
// opaque handles to callers, so a malformed one means "no such capsule",
// never a query error.
func validID(id string) bool {
	return uuid.Validate(id) == nil
}

func (p *PostgresBackend) CreateCapsule(ctx context.Context, c *models.Capsule) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO capsules (id, owner_id, ciphertext, unlock_at, question, answer_ciphertext, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OwnerID, c.Ciphertext, c.UnlockAt, c.Question, c.AnswerCiphertext, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting capsule: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetCapsule(ctx context.Context, id string) (*models.Capsule, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx,
		`SELECT `+capsuleColumns+` FROM capsules WHERE id = $1`,
		id,
	)
	return scanCapsule(row)
}

func (p *PostgresBackend) ListUnlocked(ctx context.Context, ownerID string, now time.Time) ([]*models.Capsule, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+capsuleColumns+`
		 FROM capsules
		 WHERE owner_id = $1 AND unlock_at <= $2
		 ORDER BY created_at ASC`,
		ownerID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresBackend) NextUpcoming(ctx context.Context, ownerID string, now time.Time) (*models.Capsule, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+capsuleColumns+`
		 FROM capsules
		 WHERE owner_id = $1 AND unlock_at > $2
		 ORDER BY unlock_at ASC
		 LIMIT 1`,
		ownerID, now,
	)
	return scanCapsule(row)
}

func (p *PostgresBackend) UpdateCapsule(ctx context.Context, id, ownerID string, patch CapsulePatch) (*models.Capsule, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	sets := []string{}
	args := []any{}
	n := 1
	if patch.Ciphertext != nil {
		sets = append(sets, fmt.Sprintf("ciphertext = $%d", n))
		args = append(args, *patch.Ciphertext)
		n++
	}
	if patch.UnlockAt != nil {
		sets = append(sets, fmt.Sprintf("unlock_at = $%d", n))
		args = append(args, *patch.UnlockAt)
		n++
	}
	if len(sets) == 0 {
		// Nothing to change; still enforce existence and ownership.
		c, err := p.GetCapsule(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.OwnerID != ownerID {
			return nil, ErrNotFound
		}
		return c, nil
	}

	query := fmt.Sprintf(
		`UPDATE capsules SET %s WHERE id = $%d AND owner_id = $%d RETURNING `+capsuleColumns,
		strings.Join(sets, ", "), n, n+1,
	)
	args = append(args, id, ownerID)

	row := p.pool.QueryRow(ctx, query, args...)
	return scanCapsule(row)
}

func (p *PostgresBackend) DeleteCapsule(ctx context.Context, id, ownerID string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM capsules WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) CountCapsules(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM capsules`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountLocked(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM capsules WHERE unlock_at > $1`, now,
	).Scan(&count)
	return count, err
}

func scanCapsule(row pgx.Row) (*models.Capsule, error) {
	var c models.Capsule
	err := row.Scan(&c.ID, &c.OwnerID, &c.Ciphertext, &c.UnlockAt, &c.Question, &c.AnswerCiphertext, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.UnlockAt = c.UnlockAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}
