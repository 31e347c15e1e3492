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

package objectstore_test

import (
	"context"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/gpudev/orchestrator/pkg/errors"
	"github.com/gpudev/orchestrator/pkg/providers/objectstore"
	"github.com/gpudev/orchestrator/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context
var env *test.Environment

func TestObjectStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ObjectStoreProvider")
}

var _ = BeforeSuite(func() {
	env = test.NewEnvironment()
})

var _ = BeforeEach(func() {
	ctx = context.Background()
	env.Reset()
})

var _ = Describe("ObjectStoreProvider", func() {
	It("should upload and return the object URI", func() {
		key := objectstore.ContentKey("alice", "scratch", "snap-0123456789abcdef0")
		uri, err := env.ObjectStoreProvider.Upload(ctx, key, []byte("12G\t/home/dev\n"), map[string]string{"disk": "scratch"})
		Expect(err).ToNot(HaveOccurred())
		Expect(uri).To(Equal("s3://" + test.DefaultBucket + "/content/alice/scratch/snap-0123456789abcdef0.txt"))

		stored, ok := env.S3API.Object(test.DefaultBucket, key)
		Expect(ok).To(BeTrue())
		Expect(string(stored.Body)).To(Equal("12G\t/home/dev\n"))
		Expect(stored.Metadata).To(HaveKeyWithValue("disk", "scratch"))
	})
	It("should download what was uploaded", func() {
		key := objectstore.ContentKey("alice", "scratch", "snap-1")
		_, err := env.ObjectStoreProvider.Upload(ctx, key, []byte("tree listing"), nil)
		Expect(err).ToNot(HaveOccurred())

		data, err := env.ObjectStoreProvider.Download(ctx, key)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("tree listing"))
	})
	It("should classify a missing object as not found", func() {
		_, err := env.ObjectStoreProvider.Download(ctx, "content/alice/scratch/absent.txt")
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should verify the bucket", func() {
		Expect(env.ObjectStoreProvider.Verify(ctx)).To(Succeed())
	})
	It("should fail verification when the bucket is missing", func() {
		env.S3API.HeadBucketBehavior.Error.Set(&smithy.GenericAPIError{Code: "NoSuchBucket", Message: "no such bucket"})
		err := env.ObjectStoreProvider.Verify(ctx)
		Expect(err).To(HaveOccurred())
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})
