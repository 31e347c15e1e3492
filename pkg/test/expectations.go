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

package test

import (
	"context"

	"github.com/awslabs/operatorpkg/singleton"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck
	. "github.com/onsi/gomega"    //nolint:staticcheck
)

// ExpectSingletonReconciled runs one pass of a singleton controller and
// expects it to succeed.
func ExpectSingletonReconciled(ctx context.Context, reconciler singleton.Reconciler) reconcile.Result {
	GinkgoHelper()
	result, err := singleton.AsReconciler(reconciler).Reconcile(ctx, reconcile.Request{})
	Expect(err).ToNot(HaveOccurred())
	return result
}

// ExpectSingletonReconcileFailed runs one pass of a singleton controller and
// returns the error it must produce.
func ExpectSingletonReconcileFailed(ctx context.Context, reconciler singleton.Reconciler) error {
	GinkgoHelper()
	_, err := singleton.AsReconciler(reconciler).Reconcile(ctx, reconcile.Request{})
	Expect(err).To(HaveOccurred())
	return err
}
