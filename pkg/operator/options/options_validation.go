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

package options

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/awslabs/operatorpkg/serrors"
	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateRequiredFields(),
		o.validateIntervals(),
		o.validateRetryPolicy(),
		o.validateReservationPolicy(),
		o.validateAPIKeyTTL(),
		o.validateMinCLIVersion(),
	)
}

func (o *Options) validateRequiredFields() error {
	var err error
	if o.ClusterName == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, cluster-name"))
	}
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, database-url"))
	}
	if o.PrimaryAvailabilityZone == "" {
		err = multierr.Append(err, fmt.Errorf("missing field, primary-availability-zone"))
	}
	return err
}

func (o *Options) validateIntervals() error {
	var err error
	if o.PollIntervalSeconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("poll-interval-seconds must be positive"))
	}
	if o.AvailabilityIntervalSeconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("availability-interval-seconds must be positive"))
	}
	if o.ExpiryIntervalSeconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("expiry-interval-seconds must be positive"))
	}
	if o.ReconcileIntervalMinutes <= 0 {
		err = multierr.Append(err, fmt.Errorf("reconcile-interval-minutes must be positive"))
	}
	if o.VisibilityTimeoutSeconds <= o.PollIntervalSeconds {
		err = multierr.Append(err, serrors.Wrap(fmt.Errorf("visibility-timeout-seconds must exceed poll-interval-seconds"),
			"visibility-timeout-seconds", o.VisibilityTimeoutSeconds, "poll-interval-seconds", o.PollIntervalSeconds))
	}
	return err
}

func (o *Options) validateRetryPolicy() error {
	var err error
	if o.MaxRetries < 1 {
		err = multierr.Append(err, fmt.Errorf("max-retries must be at least 1"))
	}
	if o.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("batch-size must be at least 1"))
	}
	if o.MaxConcurrentJobs < 1 {
		err = multierr.Append(err, fmt.Errorf("max-concurrent-jobs must be at least 1"))
	}
	return err
}

func (o *Options) validateReservationPolicy() error {
	var err error
	if o.MaxReservationHours <= 0 {
		err = multierr.Append(err, fmt.Errorf("max-reservation-hours must be positive"))
	}
	if o.DefaultTimeoutHours <= 0 || o.DefaultTimeoutHours > float64(o.MaxReservationHours) {
		err = multierr.Append(err, serrors.Wrap(fmt.Errorf("default-timeout-hours must be in (0, max-reservation-hours]"),
			"default-timeout-hours", o.DefaultTimeoutHours, "max-reservation-hours", o.MaxReservationHours))
	}
	return err
}

func (o *Options) validateAPIKeyTTL() error {
	if o.APIKeyTTLHours < 1 || o.APIKeyTTLHours > 168 {
		return serrors.Wrap(fmt.Errorf("api-key-ttl-hours must be in [1, 168]"), "api-key-ttl-hours", o.APIKeyTTLHours)
	}
	return nil
}

func (o *Options) validateMinCLIVersion() error {
	if o.MinCLIVersion == "" {
		return nil
	}
	if _, err := semver.NewVersion(o.MinCLIVersion); err != nil {
		return serrors.Wrap(fmt.Errorf("min-cli-version is not a valid semantic version, %w", err), "min-cli-version", o.MinCLIVersion)
	}
	return nil
}
