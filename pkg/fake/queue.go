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

package fake

import (
	"context"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/store/queue"
)

type queuedMessage struct {
	id         int64
	readCount  int
	enqueuedAt time.Time
	visibleAt  time.Time
	body       []byte
}

// Queue is an in-memory queue with pgmq visibility semantics: a read hides
// the message until the window lapses, delete and archive remove it.
type Queue struct {
	mu       sync.Mutex
	nextID   int64
	messages []*queuedMessage
	archived []*queuedMessage

	SendError    AtomicError
	ReadError    AtomicError
	DeleteError  AtomicError
	ArchiveError AtomicError

	Clock clock.Clock
}

func NewQueue() *Queue {
	return &Queue{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID = 0
	q.messages = nil
	q.archived = nil
	q.SendError.Reset()
	q.ReadError.Reset()
	q.DeleteError.Reset()
	q.ArchiveError.Reset()
}

func (q *Queue) now() time.Time {
	if q.Clock != nil {
		return q.Clock.Now()
	}
	return time.Now()
}

func (q *Queue) Send(_ context.Context, msg *v1.Message) (int64, error) {
	if err := q.SendError.Get(); err != nil {
		return 0, err
	}
	body, err := msg.Marshal()
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	now := q.now()
	q.messages = append(q.messages, &queuedMessage{
		id:         q.nextID,
		enqueuedAt: now,
		visibleAt:  now,
		body:       body,
	})
	return q.nextID, nil
}

func (q *Queue) Read(_ context.Context, visibility time.Duration, limit int) ([]*queue.Message, error) {
	if err := q.ReadError.Get(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var out []*queue.Message
	for _, m := range q.messages {
		if len(out) >= limit {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		m.readCount++
		m.visibleAt = now.Add(visibility)
		out = append(out, &queue.Message{
			ID:         m.id,
			ReadCount:  m.readCount,
			EnqueuedAt: m.enqueuedAt,
			Body:       slices.Clone(m.body),
		})
	}
	return out, nil
}

func (q *Queue) Delete(_ context.Context, msgID int64) error {
	if err := q.DeleteError.Get(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = slices.DeleteFunc(q.messages, func(m *queuedMessage) bool { return m.id == msgID })
	return nil
}

func (q *Queue) Archive(_ context.Context, msgID int64) error {
	if err := q.ArchiveError.Get(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.id == msgID {
			q.archived = append(q.archived, m)
		}
	}
	q.messages = slices.DeleteFunc(q.messages, func(m *queuedMessage) bool { return m.id == msgID })
	return nil
}

// CorruptBody replaces a message body with bytes that do not decode.
func (q *Queue) CorruptBody(msgID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.id == msgID {
			m.body = []byte("{not json")
		}
	}
}

// Len reports the number of live (not deleted or archived) messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// ArchivedLen reports the number of archived messages.
func (q *Queue) ArchivedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.archived)
}

var _ queue.Queue = (*Queue)(nil)
