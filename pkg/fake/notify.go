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
	"maps"
	"sync"

	"github.com/samber/lo"
)

// Notification is one recorded delivery.
type Notification struct {
	UserID   string
	Channel  string
	Message  string
	Metadata map[string]string
}

// NotifySink records notifications instead of delivering them.
type NotifySink struct {
	mu            sync.Mutex
	notifications []Notification

	NotifyError AtomicError
}

func NewNotifySink() *NotifySink {
	return &NotifySink{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (n *NotifySink) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = nil
	n.NotifyError.Reset()
}

func (n *NotifySink) Notify(_ context.Context, userID, channel, message string, metadata map[string]string) error {
	if err := n.NotifyError.Get(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, Notification{
		UserID:   userID,
		Channel:  channel,
		Message:  message,
		Metadata: maps.Clone(metadata),
	})
	return nil
}

// Notifications returns everything recorded so far.
func (n *NotifySink) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}

// OnChannel returns the recorded notifications for one channel.
func (n *NotifySink) OnChannel(channel string) []Notification {
	return lo.Filter(n.Notifications(), func(notification Notification, _ int) bool {
		return notification.Channel == channel
	})
}
