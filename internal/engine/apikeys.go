package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"runline/internal/apperr"
	"runline/internal/domain"
	"runline/internal/events"
	"runline/internal/repo"
)

const apiKeyPrefix = "rl_"

// CreateAPIKey issues a key for actorID. Only its hash is stored; the
// returned secret cannot be recovered later.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, createdBy string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", apperr.New(apperr.BadRequest, "actor_id required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        "key_" + uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "api_key.created", EntityKind: "api_key", EntityID: key.ID, ActorID: createdBy,
		Payload: events.EventPayload{"actor_id": actorID, "name": name},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// RevokeAPIKey stops a key from authenticating. Revoking twice is a
// conflict so callers can tell a stale listing apart from a fresh revoke.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, revokedBy string) (domain.APIKey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	key, err := e.Repo.GetAPIKey(ctx, tx, keyID)
	if err != nil {
		return domain.APIKey{}, err
	}
	at := e.stamp()
	revoked, err := e.Repo.RevokeAPIKey(ctx, tx, keyID, at)
	if err != nil {
		return domain.APIKey{}, err
	}
	if !revoked {
		return domain.APIKey{}, apperr.New(apperr.Conflict, "api key %s already revoked", keyID)
	}
	if err := e.Events.Append(ctx, tx, events.Event{
		Type: "api_key.revoked", EntityKind: "api_key", EntityID: keyID, ActorID: revokedBy,
		Payload: events.EventPayload{"actor_id": key.ActorID},
	}); err != nil {
		return domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, err
	}
	key.RevokedAt = &at
	return key, nil
}
