package gfx

import (
	"testing"

	"github.com/bbredesen/vkxfer/internal/simgpu"
	"github.com/stretchr/testify/require"
)

var _ Driver = (*simgpu.Device)(nil)

var (
	dedicatedFamilies = QueueFamilies{Graphics: 0, Present: 0, Transfer: 1, HasTransfer: true}
	sharedFamilies    = QueueFamilies{Graphics: 0, Present: 0}
)

type testCore struct {
	dev    *simgpu.Device
	queues *QueueSet
	xfer   *TransferCoordinator
}

func newTestCore(t *testing.T, cfg simgpu.Config, fam QueueFamilies) *testCore {
	t.Helper()
	dev := simgpu.New(cfg)
	qs, err := NewQueueSet(dev, fam)
	require.NoError(t, err)
	tc := &testCore{
		dev:    dev,
		queues: qs,
		xfer:   NewTransferCoordinator(dev, qs, CoordinatorOptions{}),
	}
	t.Cleanup(func() {
		tc.xfer.Destroy()
		tc.queues.Destroy()
	})
	return tc
}

func (tc *testCore) requireNoViolations(t *testing.T) {
	t.Helper()
	require.Empty(t, tc.dev.Violations())
}
