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
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
)

// StoredObject is the fake's record of an uploaded object.
type StoredObject struct {
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

type S3Behavior struct {
	PutObjectBehavior  MockedFunction[s3.PutObjectInput, s3.PutObjectOutput]
	GetObjectBehavior  MockedFunction[s3.GetObjectInput, s3.GetObjectOutput]
	HeadBucketBehavior MockedFunction[s3.HeadBucketInput, s3.HeadBucketOutput]

	Objects sync.Map // "<bucket>/<key>" -> StoredObject
}

type S3API struct {
	sdk.S3API
	S3Behavior
}

func NewS3API() *S3API {
	return &S3API{}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *S3API) Reset() {
	s.PutObjectBehavior.Reset()
	s.GetObjectBehavior.Reset()
	s.HeadBucketBehavior.Reset()
	s.Objects.Clear()
}

// Object returns the stored object for a bucket/key pair, for assertions.
func (s *S3API) Object(bucket, key string) (StoredObject, bool) {
	raw, ok := s.Objects.Load(objectKey(bucket, key))
	if !ok {
		return StoredObject{}, false
	}
	return raw.(StoredObject), true
}

func (s *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var body []byte
	if input.Body != nil {
		body, _ = io.ReadAll(input.Body)
	}
	// The reader is not JSON-clonable, so record the input without it. The
	// uploaded content lands in Objects.
	recorded := *input
	recorded.Body = nil
	return s.PutObjectBehavior.Invoke(&recorded, func(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		s.Objects.Store(objectKey(lo.FromPtr(input.Bucket), lo.FromPtr(input.Key)), StoredObject{
			Body:        body,
			ContentType: lo.FromPtr(input.ContentType),
			Metadata:    input.Metadata,
		})
		return &s3.PutObjectOutput{ETag: lo.ToPtr(fmt.Sprintf("%q", lo.FromPtr(input.Key)))}, nil
	})
}

func (s *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return s.GetObjectBehavior.Invoke(input, func(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		raw, ok := s.Objects.Load(objectKey(lo.FromPtr(input.Bucket), lo.FromPtr(input.Key)))
		if !ok {
			return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: fmt.Sprintf("The specified key does not exist: %s", lo.FromPtr(input.Key))}
		}
		object := raw.(StoredObject)
		return &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(object.Body)),
			ContentLength: lo.ToPtr(int64(len(object.Body))),
			ContentType:   lo.EmptyableToPtr(object.ContentType),
			Metadata:      object.Metadata,
		}, nil
	})
}

func (s *S3API) HeadBucket(_ context.Context, input *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return s.HeadBucketBehavior.Invoke(input, func(*s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return &s3.HeadBucketOutput{}, nil
	})
}

func objectKey(bucket, key string) string {
	return fmt.Sprintf("%s/%s", bucket, key)
}
