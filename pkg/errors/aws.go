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

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	// This is not an exhaustive list, add to it as needed
	notFoundErrorCodes = sets.New(
		"InvalidVolume.NotFound",
		"InvalidSnapshot.NotFound",
		"InvalidAttachment.NotFound",
		"InvalidInstanceID.NotFound",
		"NoSuchKey",
		"NoSuchBucket",
		"ResourceNotFoundException",
		"AWS.SimpleQueueService.NonExistentQueue",
	)
	throttlingErrorCodes = sets.New(
		"Throttling",
		"ThrottlingException",
		"RequestLimitExceeded",
		"RequestThrottled",
		"TooManyRequestsException",
		"SlowDown",
	)
	quotaErrorCodes = sets.New(
		"VolumeLimitExceeded",
		"SnapshotLimitExceeded",
		"MaxIOPSLimitExceeded",
		"TagLimitExceeded",
	)
	inUseErrorCodes = sets.New(
		"VolumeInUse",
		"IncorrectState",
		"SnapshotCreationPerVolumeRateExceeded",
	)
	accessDeniedErrorCodes = sets.New(
		"AccessDenied",
		"AccessDeniedException",
		"UnauthorizedOperation",
	)
)

func apiErrorCode(err error) (string, bool) {
	apiErr, ok := lo.ErrorsAs[smithy.APIError](err)
	if !ok {
		return "", false
	}
	return apiErr.ErrorCode(), true
}

// IsNotFound returns true if the err is an AWS error (even if it's wrapped)
// and is known to mean "not found" (as opposed to a more serious or
// unexpected error)
func IsNotFound(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		return notFoundErrorCodes.Has(code)
	}
	if respErr, ok := lo.ErrorsAs[*awshttp.ResponseError](err); ok {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// IsThrottled returns true if the error is an AWS rate limit rejection.
func IsThrottled(err error) bool {
	if code, ok := apiErrorCode(err); ok {
		return throttlingErrorCodes.Has(code)
	}
	if respErr, ok := lo.ErrorsAs[*awshttp.ResponseError](err); ok {
		return respErr.HTTPStatusCode() == 429
	}
	return false
}

// IsQuotaExceeded returns true if the error means an account-level resource
// limit was hit.
func IsQuotaExceeded(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && quotaErrorCodes.Has(code)
}

// IsVolumeInUse returns true if the error means the volume has an attachment
// that blocks the attempted operation.
func IsVolumeInUse(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && inUseErrorCodes.Has(code)
}

// IsAccessDenied returns true if the error is an AWS error (even if it's
// wrapped) and is known to mean "access denied"
func IsAccessDenied(err error) bool {
	code, ok := apiErrorCode(err)
	return ok && accessDeniedErrorCodes.Has(code)
}

// FromAWS classifies a raw AWS SDK error into an orchestrator error kind.
// Already-classified errors pass through unchanged.
func FromAWS(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := lo.ErrorsAs[*Error](err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(KindDeadlineExceeded, "provider_timeout", err)
	case IsThrottled(err):
		return New(KindProviderThrottled, "provider_throttled", err)
	case IsNotFound(err):
		return New(KindProviderPermanent, "not_found", err)
	case IsQuotaExceeded(err):
		return New(KindProviderPermanent, "quota_exceeded", err)
	case IsVolumeInUse(err):
		return New(KindConflict, "volume_in_use", err)
	case IsAccessDenied(err):
		return New(KindAuthz, "access_denied", err)
	default:
		return New(KindProviderTransient, "provider_error", err)
	}
}
