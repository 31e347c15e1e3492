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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
)

func (c *Client) RecordAuditEvent(ctx context.Context, e *v1.AuditEvent) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO audit_log (event_id, user_id, username, event_type, resource_type, resource_id, action, details, ip, user_agent)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''))`,
			lo.Ternary(e.EventID != "", e.EventID, uuid.NewString()),
			e.UserID, e.Username, e.EventType, e.ResourceType, e.ResourceID, e.Action,
			lo.Ternary(len(e.Details) > 0, []byte(e.Details), []byte("null")), e.IP, e.UserAgent)
		if err != nil {
			return fmt.Errorf("recording audit event, %w", err)
		}
		return nil
	})
}

func (c *Client) RecordTokenUsage(ctx context.Context, u *v1.TokenUsage) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO token_usage (usage_id, user_id, model, input_tokens, output_tokens, total_tokens, cost, request_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))`,
			lo.Ternary(u.UsageID != "", u.UsageID, uuid.NewString()),
			u.UserID, u.Model, u.InputTokens, u.OutputTokens, u.TotalTokens, u.Cost, u.RequestID)
		if err != nil {
			return fmt.Errorf("recording token usage, %w", err)
		}
		return nil
	})
}
