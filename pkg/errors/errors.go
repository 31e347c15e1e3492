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
	"fmt"

	"github.com/samber/lo"
)

// Kind partitions every failure the orchestrator can hit into the retry
// classes the queue runtime acts on.
type Kind string

const (
	KindValidation            Kind = "Validation"
	KindAuthz                 Kind = "Authz"
	KindCapacityExhausted     Kind = "CapacityExhausted"
	KindProviderThrottled     Kind = "ProviderThrottled"
	KindProviderTransient     Kind = "ProviderTransient"
	KindProviderPermanent     Kind = "ProviderPermanent"
	KindOrchestratorTransient Kind = "OrchestratorTransient"
	KindOrchestratorPermanent Kind = "OrchestratorPermanent"
	KindConflict              Kind = "Conflict"
	KindDeadlineExceeded      Kind = "DeadlineExceeded"
	KindInternal              Kind = "Internal"
)

// Error is a classified orchestrator error. Reason is the machine-readable
// token recorded as a reservation's failure_reason.
type Error struct {
	kind   Kind
	reason string
	err    error
}

func New(kind Kind, reason string, err error) *Error {
	return &Error{kind: kind, reason: reason, err: err}
}

func Newf(kind Kind, reason string, format string, args ...any) *Error {
	return &Error{kind: kind, reason: reason, err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Reason() string {
	return e.reason
}

// KindOf returns the kind of a classified error, or KindInternal when the
// error carries no classification.
func KindOf(err error) Kind {
	if e, ok := lo.ErrorsAs[*Error](err); ok {
		return e.kind
	}
	return KindInternal
}

// ReasonOf returns the failure_reason token of a classified error, or
// "internal_error" otherwise.
func ReasonOf(err error) string {
	if e, ok := lo.ErrorsAs[*Error](err); ok && e.reason != "" {
		return e.reason
	}
	return "internal_error"
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a worker should surrender the message for
// redelivery rather than sinking the reservation. Capacity exhaustion is
// retryable because availability refreshes on its own cadence; the retry
// budget bounds how long a request waits for capacity. Unclassified errors
// are retryable too.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindProviderThrottled, KindProviderTransient, KindOrchestratorTransient, KindCapacityExhausted, KindInternal:
		return true
	}
	return false
}

// IsPermanent is the complement of IsRetryable for non-nil errors: the
// reservation fails now and the message is acknowledged.
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}

func Validationf(reason string, format string, args ...any) *Error {
	return Newf(KindValidation, reason, format, args...)
}

func Authzf(reason string, format string, args ...any) *Error {
	return Newf(KindAuthz, reason, format, args...)
}

func CapacityExhaustedf(format string, args ...any) *Error {
	return Newf(KindCapacityExhausted, "capacity_exhausted", format, args...)
}

func Conflictf(reason string, format string, args ...any) *Error {
	return Newf(KindConflict, reason, format, args...)
}

func DeadlineExceededf(reason string, format string, args ...any) *Error {
	return Newf(KindDeadlineExceeded, reason, format, args...)
}
