package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/codec"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/db"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// SQLMappingRepository stores pseudonym mappings. Identities are kept as
// canonical CBOR so the stored original is returned byte for byte.
type SQLMappingRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
	// Driver selects the placeholder style.
	Driver string
}

// NewMappingRepository creates a repository over db opened with driver.
func NewMappingRepository(conn *sql.DB, driver string) *SQLMappingRepository {
	return &SQLMappingRepository{DB: conn, Driver: driver}
}

const selectMapping = `SELECT pseudonym_id, original, surrogate, created_at FROM mappings`

// Insert stores m under the original key. It reports false, without error,
// when a mapping for key already exists. A clash on the pseudonym id or the
// surrogate id fails with ErrPseudonymTaken.
//
//	ctx: context for cancellation and deadlines
//	key: digest of the original identity
//	m:   the mapping to store
func (r *SQLMappingRepository) Insert(ctx context.Context, key string, m models.PseudonymMapping) (bool, error) {
	orig, err := codec.Marshal(m.Original)
	if err != nil {
		return false, fmt.Errorf("Insert: encode original: %w", err)
	}
	sur, err := codec.Marshal(m.Surrogate)
	if err != nil {
		return false, fmt.Errorf("Insert: encode surrogate: %w", err)
	}

	res, err := r.DB.ExecContext(ctx, db.Rebind(r.Driver, `
		INSERT INTO mappings (pseudonym_id, original_key, surrogate_id, original, surrogate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (original_key) DO NOTHING
	`), m.PseudonymID, key, m.Surrogate.ID, orig, sur, m.CreatedAt.UnixMicro())
	if err != nil {
		return false, classify("Insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("Insert", err)
	}
	return n == 1, nil
}

// GetByOriginalKey returns the mapping stored under key, or ErrNotFound.
func (r *SQLMappingRepository) GetByOriginalKey(ctx context.Context, key string) (*models.PseudonymMapping, error) {
	return r.get(ctx, "GetByOriginalKey", "original_key", key)
}

// GetByPseudonym returns the mapping with the given pseudonym id, or ErrNotFound.
func (r *SQLMappingRepository) GetByPseudonym(ctx context.Context, pseudonymID string) (*models.PseudonymMapping, error) {
	return r.get(ctx, "GetByPseudonym", "pseudonym_id", pseudonymID)
}

// GetBySurrogateID returns the mapping whose surrogate carries id, or ErrNotFound.
func (r *SQLMappingRepository) GetBySurrogateID(ctx context.Context, id string) (*models.PseudonymMapping, error) {
	return r.get(ctx, "GetBySurrogateID", "surrogate_id", id)
}

// PseudonymExists reports whether either identifier is already used by a mapping.
//
//	ctx:         context for cancellation and deadlines
//	pseudonymID: candidate pseudonym id
//	surrogateID: candidate surrogate id
func (r *SQLMappingRepository) PseudonymExists(ctx context.Context, pseudonymID, surrogateID string) (bool, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, db.Rebind(r.Driver, `
		SELECT COUNT(*) FROM mappings WHERE pseudonym_id = $1 OR surrogate_id = $2
	`), pseudonymID, surrogateID).Scan(&n)
	if err != nil {
		return false, classify("PseudonymExists", err)
	}
	return n > 0, nil
}

func (r *SQLMappingRepository) get(ctx context.Context, op, column, value string) (*models.PseudonymMapping, error) {
	var (
		m         models.PseudonymMapping
		orig, sur []byte
		created   int64
	)
	err := r.DB.QueryRowContext(ctx, db.Rebind(r.Driver, selectMapping+` WHERE `+column+` = $1`), value).
		Scan(&m.PseudonymID, &orig, &sur, &created)
	if err != nil {
		return nil, classify(op, err)
	}
	if err := codec.Unmarshal(orig, &m.Original); err != nil {
		return nil, fmt.Errorf("%s: decode original: %w", op, err)
	}
	if err := codec.Unmarshal(sur, &m.Surrogate); err != nil {
		return nil, fmt.Errorf("%s: decode surrogate: %w", op, err)
	}
	m.CreatedAt = time.UnixMicro(created).UTC()
	return &m, nil
}
