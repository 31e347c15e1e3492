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

package v1

import "time"

// DomainMapping routes a subdomain to a reservation's node endpoint. Consumed
// by the external gateway; rows are deleted during teardown.
type DomainMapping struct {
	Subdomain     string    `json:"subdomain"`
	NodeIP        string    `json:"node_ip"`
	NodePort      int32     `json:"node_port"`
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}
