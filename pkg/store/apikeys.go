/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
)

func (c *Client) InsertAPIKey(ctx context.Context, k *v1.APIKey) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO api_keys (key_id, user_id, key_hash, expires_at)
			VALUES ($1, $2, $3, $4)`,
			k.KeyID, k.UserID, k.KeyHash, k.ExpiresAt)
		if err != nil {
			return fmt.Errorf("inserting api key for user %s, %w", k.UserID, err)
		}
		return nil
	})
}

// GetAPIKeyByHash resolves an unexpired, unrevoked key. Key material never
// leaves the caller; only its hash crosses this boundary.
func (c *Client) GetAPIKeyByHash(ctx context.Context, keyHash string) (*v1.APIKey, error) {
	k := &v1.APIKey{}
	err := c.WithReadOnly(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT key_id, user_id, key_hash, expires_at, created_at, last_used_at, revoked
			FROM api_keys
			WHERE key_hash = $1 AND NOT revoked AND expires_at > now()`,
			keyHash).Scan(&k.KeyID, &k.UserID, &k.KeyHash, &k.ExpiresAt, &k.CreatedAt, &k.LastUsedAt, &k.Revoked)
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.KindAuthz, "invalid_api_key", "api key is unknown, expired, or revoked")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (c *Client) TouchAPIKey(ctx context.Context, keyID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "UPDATE api_keys SET last_used_at = now() WHERE key_id = $1", keyID); err != nil {
			return fmt.Errorf("touching api key %s, %w", keyID, err)
		}
		return nil
	})
}

func (c *Client) RevokeAPIKey(ctx context.Context, keyID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "UPDATE api_keys SET revoked = true WHERE key_id = $1", keyID); err != nil {
			return fmt.Errorf("revoking api key %s, %w", keyID, err)
		}
		return nil
	})
}

func (c *Client) PurgeExpiredAPIKeys(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := c.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM api_keys WHERE expires_at < $1", now)
		if err != nil {
			return fmt.Errorf("purging expired api keys, %w", err)
		}
		purged = tag.RowsAffected()
		return nil
	})
	return purged, err
}
