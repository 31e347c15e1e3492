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

package errors

import (
	"context"
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// FromKubernetes classifies an orchestrator API error. Server-side pressure
// and timeouts are transient; everything the API rejects outright is
// permanent. Already-classified errors pass through unchanged.
func FromKubernetes(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindDeadlineExceeded, "orchestrator_timeout", err)
	case apierrors.IsNotFound(err), apierrors.IsGone(err):
		return New(KindOrchestratorPermanent, "workload_not_found", err)
	case apierrors.IsAlreadyExists(err), apierrors.IsConflict(err):
		return New(KindConflict, "workload_conflict", err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return New(KindOrchestratorPermanent, "workload_invalid", err)
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return New(KindAuthz, "orchestrator_forbidden", err)
	case apierrors.IsTooManyRequests(err), apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return New(KindOrchestratorTransient, "orchestrator_unavailable", err)
	default:
		return New(KindOrchestratorTransient, "orchestrator_error", err)
	}
}
