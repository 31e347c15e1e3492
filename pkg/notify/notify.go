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

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/patrickmn/go-cache"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
	"github.com/gpudev/orchestrator/pkg/errors"
)

// Channels used by the orchestrator's own notices.
const (
	ChannelExpiryWarning = "expiry_warning"
	ChannelQuarantine    = "disk_quarantine"
)

// Event is the JSON body handed to the downstream notification service.
type Event struct {
	UserID    string            `json:"user_id"`
	Channel   string            `json:"channel"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink delivers user-facing notices. Delivery is best effort; callers never
// fail an operation on a sink error.
type Sink interface {
	Notify(ctx context.Context, userID, channel, message string, metadata map[string]string) error
}

// LogSink is the fallback when no notification queue is configured.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (*LogSink) Notify(ctx context.Context, userID, channel, message string, metadata map[string]string) error {
	log.FromContext(ctx).WithValues("user-id", userID, "channel", channel, "metadata", metadata).Info(message)
	return nil
}

// SQSSink sends events to the notification queue, resolving the queue URL by
// name and caching it.
type SQSSink struct {
	sqsapi    sdk.SQSAPI
	queueName string
	cache     *cache.Cache
}

func NewSQSSink(sqsapi sdk.SQSAPI, queueName string, cache *cache.Cache) *SQSSink {
	return &SQSSink{sqsapi: sqsapi, queueName: queueName, cache: cache}
}

func (s *SQSSink) Notify(ctx context.Context, userID, channel, message string, metadata map[string]string) error {
	queueURL, err := s.queueURL(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Event{
		UserID:    userID,
		Channel:   channel,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling notification, %w", err)
	}
	if _, err := s.sqsapi.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return errors.FromAWS(fmt.Errorf("sending notification to %s, %w", s.queueName, err))
	}
	log.FromContext(ctx).WithValues("user-id", userID, "channel", channel).V(1).Info("sent notification")
	return nil
}

func (s *SQSSink) queueURL(ctx context.Context) (string, error) {
	if cached, ok := s.cache.Get(s.queueName); ok {
		return cached.(string), nil
	}
	out, err := s.sqsapi.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(s.queueName)})
	if err != nil {
		return "", errors.FromAWS(fmt.Errorf("resolving queue url of %s, %w", s.queueName, err))
	}
	url := aws.ToString(out.QueueUrl)
	s.cache.SetDefault(s.queueName, url)
	return url, nil
}
