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

	"github.com/jackc/pgx/v5"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
)

func (c *Client) UpsertDomainMapping(ctx context.Context, m *v1.DomainMapping) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO domain_mappings (subdomain, node_ip, node_port, reservation_id, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (subdomain) DO UPDATE SET
				node_ip = EXCLUDED.node_ip,
				node_port = EXCLUDED.node_port,
				reservation_id = EXCLUDED.reservation_id,
				expires_at = EXCLUDED.expires_at`,
			m.Subdomain, m.NodeIP, m.NodePort, m.ReservationID, m.ExpiresAt)
		if err != nil {
			return fmt.Errorf("upserting domain mapping %s, %w", m.Subdomain, err)
		}
		return nil
	})
}

func (c *Client) DeleteDomainMappingsByReservation(ctx context.Context, reservationID string) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "DELETE FROM domain_mappings WHERE reservation_id = $1", reservationID)
		if err != nil {
			return fmt.Errorf("deleting domain mappings for reservation %s, %w", reservationID, err)
		}
		return nil
	})
}

func (c *Client) GetDomainMapping(ctx context.Context, subdomain string) (*v1.DomainMapping, error) {
	m := &v1.DomainMapping{}
	err := c.WithReadOnly(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"SELECT subdomain, node_ip, node_port, reservation_id, expires_at FROM domain_mappings WHERE subdomain = $1",
			subdomain).Scan(&m.Subdomain, &m.NodeIP, &m.NodePort, &m.ReservationID, &m.ExpiresAt)
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.KindValidation, "not_found", "no mapping for subdomain %q", subdomain)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
