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
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
)

type SQSBehavior struct {
	GetQueueUrlBehavior MockedFunction[sqs.GetQueueUrlInput, sqs.GetQueueUrlOutput]
	SendMessageBehavior MockedFunction[sqs.SendMessageInput, sqs.SendMessageOutput]
}

type SQSAPI struct {
	sdk.SQSAPI
	SQSBehavior
}

func NewSQSAPI() *SQSAPI {
	return &SQSAPI{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *SQSAPI) Reset() {
	s.GetQueueUrlBehavior.Reset()
	s.SendMessageBehavior.Reset()
}

func (s *SQSAPI) GetQueueUrl(_ context.Context, input *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return s.GetQueueUrlBehavior.Invoke(input, func(input *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
		return &sqs.GetQueueUrlOutput{
			QueueUrl: lo.ToPtr(fmt.Sprintf("https://sqs.us-west-2.amazonaws.com/%s/%s", DefaultAccountID, lo.FromPtr(input.QueueName))),
		}, nil
	})
}

func (s *SQSAPI) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return s.SendMessageBehavior.Invoke(input, func(*sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
		return &sqs.SendMessageOutput{MessageId: lo.ToPtr(uuid.NewString())}, nil
	})
}
