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

// Cloud resource tags. Volume and snapshot tags are the source of truth for
// disk linkage on the cloud side.
const (
	TagUser             = "gpu-dev-user"
	TagDiskName         = "disk_name"
	TagReservationID    = "reservation_id"
	TagSnapshotType     = "SnapshotType"
	TagCreatedAt        = "created_at"
	TagSnapshotContent  = "snapshot_content_s3"
	TagDiskSize         = "disk_size"
	TagQuarantined      = "gpu-dev-quarantined"
	TagQuarantineReason = "gpu-dev-quarantine-reason"
	TagQuarantineBackup = "gpu-dev-quarantine-backup"
	TagCluster          = "gpu-dev-cluster"
	TagName             = "Name"
)

// Snapshot kinds recorded under TagSnapshotType.
const (
	SnapshotTypeShutdown         = "shutdown"
	SnapshotTypeManual           = "manual"
	SnapshotTypeQuarantineBackup = "quarantine-backup"
)

// Kubernetes labels and annotations.
const (
	// NodeLabelGPUType selects GPU nodes of a given type.
	NodeLabelGPUType = "GpuType"

	LabelApp           = "app"
	LabelAppValue      = "gpu-dev"
	LabelReservationID = "gpu-dev/reservation-id"
	LabelUserID        = "gpu-dev/user-id"
	LabelMessageID     = "gpu-dev/msg-id"
	LabelComponent     = "gpu-dev/component"
	LabelGPUType       = "gpu-dev/gpu-type"

	ComponentWorkload = "workload"
	ComponentWorker   = "worker"
)

// Worker job contract: the poller pins the message into the job environment so
// the worker never reads the queue.
const (
	WorkerJobPrefix    = "gpu-dev-worker"
	EnvMessageID       = "MESSAGE_ID"
	EnvMessageBody     = "MESSAGE_BODY"
	ResourceNvidiaGPU  = "nvidia.com/gpu"
	WorkloadNamePrefix = "gpu-dev"
)

// Workload container contract: the entrypoint reads these to set up the user
// session, mount the disk device, and join a multinode gang.
const (
	EnvWorkloadUser          = "GPU_DEV_USER"
	EnvWorkloadReservationID = "GPU_DEV_RESERVATION_ID"
	EnvWorkloadDiskName      = "GPU_DEV_DISK_NAME"
	EnvWorkloadDiskDevice    = "GPU_DEV_DISK_DEVICE"
	EnvWorkloadNotebook      = "GPU_DEV_NOTEBOOK"
	EnvWorkloadNotebookToken = "GPU_DEV_NOTEBOOK_TOKEN"
	EnvWorkloadGPUCount      = "GPU_DEV_GPU_COUNT"
	EnvWorkloadMasterAddr    = "MASTER_ADDR"
	EnvWorkloadNodeRank      = "NODE_RANK"
	EnvWorkloadNumNodes      = "NNODES"

	// WorkloadDataDir is where the entrypoint mounts the persistent disk.
	WorkloadDataDir = "/home/dev"
)

// SSHPort and NotebookPort are the in-container service ports exposed through
// the workload's NodePort service.
const (
	SSHPort      = 22
	NotebookPort = 8888
)
