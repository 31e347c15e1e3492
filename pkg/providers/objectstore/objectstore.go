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

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gpudev/orchestrator/pkg/aws/sdk"
	"github.com/gpudev/orchestrator/pkg/errors"
)

type Provider interface {
	Upload(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Verify(ctx context.Context) error
}

// DefaultProvider stores snapshot content listings in one bucket. Objects are
// small text files, so plain PutObject suffices.
type DefaultProvider struct {
	s3api  sdk.S3API
	bucket string
}

func NewDefaultProvider(s3api sdk.S3API, bucket string) *DefaultProvider {
	return &DefaultProvider{s3api: s3api, bucket: bucket}
}

// ContentKey is the object key scheme for snapshot content listings.
func ContentKey(user, diskName, snapshotID string) string {
	return fmt.Sprintf("content/%s/%s/%s.txt", user, diskName, snapshotID)
}

// KeyFromURI extracts the object key from an s3:// URI produced by Upload.
// The bucket component is ignored so listings recorded before a bucket
// migration still resolve.
func KeyFromURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", errors.Validationf("invalid_uri", "not an s3 URI: %q", uri)
	}
	_, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return "", errors.Validationf("invalid_uri", "no object key in %q", uri)
	}
	return key, nil
}

// Upload writes the object and returns its s3:// URI.
func (p *DefaultProvider) Upload(ctx context.Context, key string, body []byte, metadata map[string]string) (string, error) {
	if _, err := p.s3api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: metadata,
	}); err != nil {
		return "", errors.FromAWS(fmt.Errorf("uploading s3://%s/%s, %w", p.bucket, key, err))
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

func (p *DefaultProvider) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := p.s3api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.FromAWS(fmt.Errorf("downloading s3://%s/%s, %w", p.bucket, key, err))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s, %w", p.bucket, key, err)
	}
	return data, nil
}

// Verify probes the bucket at startup so a misconfigured bucket fails the
// operator instead of the first snapshot.
func (p *DefaultProvider) Verify(ctx context.Context) error {
	if _, err := p.s3api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return errors.FromAWS(fmt.Errorf("verifying bucket %s, %w", p.bucket, err))
	}
	return nil
}
