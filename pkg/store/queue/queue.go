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

// Package queue wraps the pgmq extension's SQL functions behind a small
// interface. Visibility timeouts do the heavy lifting: a read hides the
// message for the window, and only an explicit delete or archive removes it,
// so a crashed consumer's message reappears on its own.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
)

// Message is one delivered queue message. ReadCount includes this delivery,
// so a first delivery carries ReadCount == 1.
type Message struct {
	ID         int64
	ReadCount  int
	EnqueuedAt time.Time
	Body       []byte
}

// Queue is the durable job queue.
type Queue interface {
	Send(ctx context.Context, msg *v1.Message) (int64, error)
	Read(ctx context.Context, visibility time.Duration, limit int) ([]*Message, error)
	Delete(ctx context.Context, msgID int64) error
	Archive(ctx context.Context, msgID int64) error
}

// Client implements Queue over pgmq, sharing the store's pool.
type Client struct {
	pool *pgxpool.Pool
	name string
}

func NewClient(pool *pgxpool.Pool, name string) *Client {
	return &Client{pool: pool, name: name}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Send(ctx context.Context, msg *v1.Message) (int64, error) {
	body, err := msg.Marshal()
	if err != nil {
		return 0, err
	}
	var msgID int64
	if err := c.pool.QueryRow(ctx, "SELECT pgmq.send($1, $2::jsonb)", c.name, body).Scan(&msgID); err != nil {
		return 0, fmt.Errorf("sending %s message, %w", msg.Type, err)
	}
	return msgID, nil
}

// Read claims up to limit messages, hiding each for the visibility window.
func (c *Client) Read(ctx context.Context, visibility time.Duration, limit int) ([]*Message, error) {
	rows, err := c.pool.Query(ctx,
		"SELECT msg_id, read_ct, enqueued_at, message FROM pgmq.read($1, $2, $3)",
		c.name, int(visibility.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("reading queue %s, %w", c.name, err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ReadCount, &m.EnqueuedAt, &m.Body); err != nil {
			return nil, fmt.Errorf("scanning queue message, %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *Client) Delete(ctx context.Context, msgID int64) error {
	var deleted bool
	if err := c.pool.QueryRow(ctx, "SELECT pgmq.delete($1, $2)", c.name, msgID).Scan(&deleted); err != nil {
		return fmt.Errorf("deleting message %d, %w", msgID, err)
	}
	return nil
}

// Archive moves a message to the queue's archive table for post-mortem
// inspection instead of dropping it.
func (c *Client) Archive(ctx context.Context, msgID int64) error {
	var archived bool
	if err := c.pool.QueryRow(ctx, "SELECT pgmq.archive($1, $2)", c.name, msgID).Scan(&archived); err != nil {
		return fmt.Errorf("archiving message %d, %w", msgID, err)
	}
	return nil
}
