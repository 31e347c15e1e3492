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
	"time"

	"github.com/patrickmn/go-cache"
	clock "k8s.io/utils/clock/testing"

	orchcache "github.com/gpudev/orchestrator/pkg/cache"
	"github.com/gpudev/orchestrator/pkg/fake"
	"github.com/gpudev/orchestrator/pkg/providers/nodepool"
	"github.com/gpudev/orchestrator/pkg/providers/objectstore"
	"github.com/gpudev/orchestrator/pkg/providers/snapshot"
	"github.com/gpudev/orchestrator/pkg/providers/volume"
)

const (
	DefaultClusterName = "gpu-dev"
	DefaultBucket      = "gpu-dev-disk-snapshots"
)

type Environment struct {
	// Mock
	Clock *clock.FakeClock

	// API
	EC2API         *fake.EC2API
	S3API          *fake.S3API
	SQSAPI         *fake.SQSAPI
	AutoScalingAPI *fake.AutoScalingAPI
	EKSAPI         *fake.EKSAPI
	STSAPI         *fake.STSAPI

	// State
	Store      *fake.Store
	Queue      *fake.Queue
	Cluster    *fake.Cluster
	NotifySink *fake.NotifySink

	// Cache
	NodePoolCache *cache.Cache
	SnapshotCache *cache.Cache

	// Providers
	VolumeProvider      *volume.DefaultProvider
	SnapshotProvider    *snapshot.DefaultProvider
	ObjectStoreProvider *objectstore.DefaultProvider
	NodePoolProvider    *nodepool.DefaultProvider
}

func NewEnvironment() *Environment {
	// Mock
	fakeClock := clock.NewFakeClock(time.Now().UTC())

	// API
	ec2api := fake.NewEC2API()
	s3api := fake.NewS3API()
	sqsapi := fake.NewSQSAPI()
	asgapi := fake.NewAutoScalingAPI()
	eksapi := fake.NewEKSAPI()
	stsapi := fake.NewSTSAPI()

	// State
	store := fake.NewStore()
	store.Clock = fakeClock
	queue := fake.NewQueue()
	queue.Clock = fakeClock
	fakeCluster := fake.NewCluster()
	notifySink := fake.NewNotifySink()

	// Cache
	nodePoolCache := cache.New(orchcache.NodePoolStatsTTL, orchcache.DefaultCleanupInterval)
	snapshotCache := cache.New(orchcache.SnapshotListTTL, orchcache.DefaultCleanupInterval)

	// Providers
	volumeProvider := volume.NewDefaultProvider(ec2api)
	snapshotProvider := snapshot.NewDefaultProvider(ec2api, stsapi, snapshotCache)
	objectStoreProvider := objectstore.NewDefaultProvider(s3api, DefaultBucket)
	nodePoolProvider := nodepool.NewDefaultProvider(asgapi, eksapi, nodePoolCache, DefaultClusterName)

	return &Environment{
		Clock: fakeClock,

		EC2API:         ec2api,
		S3API:          s3api,
		SQSAPI:         sqsapi,
		AutoScalingAPI: asgapi,
		EKSAPI:         eksapi,
		STSAPI:         stsapi,

		Store:      store,
		Queue:      queue,
		Cluster:    fakeCluster,
		NotifySink: notifySink,

		NodePoolCache: nodePoolCache,
		SnapshotCache: snapshotCache,

		VolumeProvider:      volumeProvider,
		SnapshotProvider:    snapshotProvider,
		ObjectStoreProvider: objectStoreProvider,
		NodePoolProvider:    nodePoolProvider,
	}
}

func (env *Environment) Reset() {
	env.Clock.SetTime(time.Now().UTC())
	env.EC2API.Reset()
	env.S3API.Reset()
	env.SQSAPI.Reset()
	env.AutoScalingAPI.Reset()
	env.EKSAPI.Reset()
	env.STSAPI.Reset()
	env.Store.Reset()
	env.Queue.Reset()
	env.Cluster.Reset()
	env.NotifySink.Reset()
	env.NodePoolCache.Flush()
	env.SnapshotCache.Flush()
}
