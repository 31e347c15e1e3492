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

package operator

import (
	"context"

	"github.com/samber/lo"

	"github.com/gpudev/orchestrator/pkg/controllers"
)

// WithControllers registers a set of controllers to the controller manager
func (o *Operator) WithControllers(ctx context.Context, cs ...controllers.Controller) *Operator {
	for _, c := range cs {
		lo.Must0(c.Register(ctx, o.Manager))
	}
	return o
}

// Start runs the manager until ctx is cancelled
func (o *Operator) Start(ctx context.Context) {
	lo.Must0(o.Manager.Start(ctx))
}
