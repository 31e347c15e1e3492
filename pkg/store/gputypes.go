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

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pelletier/go-toml/v2"

	v1 "github.com/gpudev/orchestrator/pkg/apis/v1"
	"github.com/gpudev/orchestrator/pkg/errors"
)

// Availability is the computed availability snapshot written back per type.
type Availability struct {
	TotalClusterGPUs   int
	AvailableGPUs      int
	MaxReservable      int
	FullNodesAvailable int
	RunningInstances   int
	DesiredCapacity    int
	UpdatedBy          string
}

// gpuTypeSeed mirrors one [[gpu_types]] entry of the seed file. Seeding only
// touches static columns; the availability engine owns the dynamic ones.
type gpuTypeSeed struct {
	Name              string `toml:"name"`
	InstanceType      string `toml:"instance_type"`
	MaxGPUs           int    `toml:"max_gpus"`
	CPUs              int    `toml:"cpus"`
	MemoryGB          int    `toml:"memory_gb"`
	MaxPerNode        int    `toml:"max_per_node"`
	Description       string `toml:"description"`
	IsActive          bool   `toml:"is_active"`
	SupportsMultinode *bool  `toml:"supports_multinode"`
}

type gpuTypeSeedFile struct {
	GPUTypes []gpuTypeSeed `toml:"gpu_types"`
}

const gpuTypeColumns = `name, instance_type, max_gpus, cpus, memory_gb, max_per_node,
	COALESCE(description, ''), is_active, supports_multinode,
	total_cluster_gpus, available_gpus, max_reservable, full_nodes_available,
	running_instances, desired_capacity, last_availability_update, COALESCE(last_availability_updated_by, '')`

func scanGPUType(row pgx.Row) (*v1.GPUType, error) {
	g := &v1.GPUType{}
	if err := row.Scan(
		&g.Name, &g.InstanceType, &g.MaxGPUs, &g.CPUs, &g.MemoryGB, &g.MaxPerNode,
		&g.Description, &g.IsActive, &g.SupportsMultinode,
		&g.TotalClusterGPUs, &g.AvailableGPUs, &g.MaxReservable, &g.FullNodesAvailable,
		&g.RunningInstances, &g.DesiredCapacity, &g.LastAvailabilityUpdate, &g.LastAvailabilityUpdatedBy,
	); err != nil {
		return nil, err
	}
	return g, nil
}

func (c *Client) GetGPUType(ctx context.Context, name string) (*v1.GPUType, error) {
	var g *v1.GPUType
	err := c.WithReadOnly(ctx, func(tx pgx.Tx) error {
		var err error
		g, err = scanGPUType(tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM gpu_types WHERE name = $1", gpuTypeColumns), name))
		if err == pgx.ErrNoRows {
			return errors.Validationf("unknown_gpu_type", "gpu type %q is not configured", name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (c *Client) ListGPUTypes(ctx context.Context, activeOnly bool) ([]*v1.GPUType, error) {
	query := fmt.Sprintf("SELECT %s FROM gpu_types ORDER BY name", gpuTypeColumns)
	if activeOnly {
		query = fmt.Sprintf("SELECT %s FROM gpu_types WHERE is_active ORDER BY name", gpuTypeColumns)
	}
	var out []*v1.GPUType
	err := c.WithReadOnly(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("listing gpu types, %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			g, err := scanGPUType(rows)
			if err != nil {
				return fmt.Errorf("scanning gpu type, %w", err)
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateGPUTypeAvailability(ctx context.Context, name string, a Availability) error {
	return c.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE gpu_types SET
				total_cluster_gpus = $2,
				available_gpus = $3,
				max_reservable = $4,
				full_nodes_available = $5,
				running_instances = $6,
				desired_capacity = $7,
				last_availability_update = now(),
				last_availability_updated_by = NULLIF($8, '')
			WHERE name = $1`,
			name, a.TotalClusterGPUs, a.AvailableGPUs, a.MaxReservable, a.FullNodesAvailable,
			a.RunningInstances, a.DesiredCapacity, a.UpdatedBy)
		if err != nil {
			return fmt.Errorf("updating availability for gpu type %s, %w", name, err)
		}
		return nil
	})
}

func parseSeed(data []byte, into *gpuTypeSeedFile) error {
	if err := toml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parsing gpu type seed, %w", err)
	}
	return nil
}

// SeedGPUTypes upserts the static configuration columns from a TOML document.
// Types absent from the document are left untouched rather than deactivated.
func (c *Client) SeedGPUTypes(ctx context.Context, tomlData []byte) error {
	var seed gpuTypeSeedFile
	if err := parseSeed(tomlData, &seed); err != nil {
		return err
	}
	return c.withTx(ctx, func(tx pgx.Tx) error {
		for _, g := range seed.GPUTypes {
			if g.Name == "" || g.InstanceType == "" {
				return errors.Validationf("invalid_seed", "gpu type seed entry missing name or instance_type")
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO gpu_types (name, instance_type, max_gpus, cpus, memory_gb, max_per_node, description, is_active, supports_multinode)
				VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
				ON CONFLICT (name) DO UPDATE SET
					instance_type = EXCLUDED.instance_type,
					max_gpus = EXCLUDED.max_gpus,
					cpus = EXCLUDED.cpus,
					memory_gb = EXCLUDED.memory_gb,
					max_per_node = EXCLUDED.max_per_node,
					description = EXCLUDED.description,
					is_active = EXCLUDED.is_active,
					supports_multinode = EXCLUDED.supports_multinode`,
				g.Name, g.InstanceType, g.MaxGPUs, g.CPUs, g.MemoryGB, g.MaxPerNode, g.Description, g.IsActive, g.SupportsMultinode)
			if err != nil {
				return fmt.Errorf("seeding gpu type %s, %w", g.Name, err)
			}
		}
		return nil
	})
}
