package repo

import (
	"context"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"runline/internal/apperr"
	"runline/internal/domain"
)

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at, last_used_at, revoked_at`

// HashAPIKey is the stored form of a key secret. Surrounding whitespace is
// not part of the secret.
func HashAPIKey(secret string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertAPIKey(ctx context.Context, q Querier, key domain.APIKey) error {
	if key.ID == "" || key.ActorID == "" || key.KeyHash == "" || key.CreatedAt == "" {
		return apperr.New(apperr.BadRequest, "api key requires id, actor_id, key_hash and created_at")
	}
	_, err := r.q(q).ExecContext(ctx,
		`INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func scanAPIKey(s interface{ Scan(...any) error }) (domain.APIKey, error) {
	var key domain.APIKey
	var used, revoked sql.NullString
	if err := s.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt, &used, &revoked); err != nil {
		return domain.APIKey{}, err
	}
	key.LastUsedAt = ptr(used)
	key.RevokedAt = ptr(revoked)
	return key, nil
}

// ActiveAPIKey resolves a hashed secret. Revoked keys are not found.
func (r Repo) ActiveAPIKey(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`, hash))
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

func (r Repo) GetAPIKey(ctx context.Context, q Querier, id string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.q(q).QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.APIKey{}, notFound("api key", id)
	}
	return key, err
}

// ListAPIKeys returns keys newest first, revoked ones included.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. It reports false when the key was
// already revoked.
func (r Repo) RevokeAPIKey(ctx context.Context, q Querier, id, at string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchAPIKey records the last successful use of a key.
func (r Repo) TouchAPIKey(ctx context.Context, id, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, at, id)
	return err
}
