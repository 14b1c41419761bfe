package hooks_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/INLOpen/gpustream/internal/testutil"
	"github.com/INLOpen/gpustream/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLabelRejected = errors.New("label rejected")

func newQueue(t *testing.T, hm hooks.HookManager) (*transfer.Queue, *transfer.Handle, []byte) {
	t.Helper()
	dev := device.New(device.WithName(t.Name()))
	t.Cleanup(func() { dev.Close() })
	data := testutil.Repeat("abcd", 256)
	path := testutil.WriteContainer(t, t.TempDir(), "abcd.lz4", core.CompressionLZ4, 256, data)
	h, err := transfer.OpenHandle(dev, path, core.CompressionLZ4)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	q, err := transfer.NewQueue(dev, transfer.DefaultQueueConfig(), transfer.WithHooks(hm))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, h, data
}

func TestBatchCommitVeto(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	var seen []hooks.BatchCommitPayload
	hm.Register(hooks.EventPreBatchCommit, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		p := event.Payload().(hooks.BatchCommitPayload)
		seen = append(seen, p)
		if p.Label == "rejected" {
			return errLabelRejected
		}
		return nil
	}))
	q, h, data := newQueue(t, hm)
	buf, err := q.Device().NewBuffer(uint64(len(data)), "dst")
	require.NoError(t, err)

	vetoed := q.NewBatch()
	vetoed.SetLabel("rejected")
	require.NoError(t, vetoed.LoadBuffer(buf, 0, uint64(len(data)), h, 0))
	err = vetoed.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, errLabelRejected)
	assert.Equal(t, core.StatusPending, vetoed.Status())
	assert.Equal(t, core.StatusPending, vetoed.WaitUntilCompleted(), "a vetoed batch was never submitted")
	assert.Zero(t, q.Stats().Committed)

	accepted := q.NewBatch()
	accepted.SetLabel("accepted")
	require.NoError(t, accepted.LoadBuffer(buf, 0, uint64(len(data)), h, 0))
	require.NoError(t, accepted.Commit())
	require.Equal(t, core.StatusComplete, accepted.WaitUntilCompleted())
	assert.Equal(t, data, buf.Contents())

	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[1].Ops)
	assert.True(t, seen[1].Retained)
	assert.Equal(t, uint32(1), seen[1].MaxOpsInFlight)
}

// completions collects PostBatchComplete payloads off the batch's goroutine.
type completions struct {
	mu  sync.Mutex
	got []hooks.BatchCompletePayload
}

func (c *completions) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, event.Payload().(hooks.BatchCompletePayload))
	return nil
}
func (c *completions) Priority() int { return 0 }
func (c *completions) IsAsync() bool { return true }

func TestBatchCompleteAsyncListener(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	done := &completions{}
	hm.Register(hooks.EventPostBatchComplete, done)
	q, h, data := newQueue(t, hm)

	ok, err := q.Device().NewBuffer(uint64(len(data)), "ok")
	require.NoError(t, err)
	short, err := q.Device().NewBuffer(16, "short")
	require.NoError(t, err)

	var batches []*transfer.Batch
	for _, dst := range []*device.Buffer{ok, short} {
		b := q.NewBatch()
		b.SetLabel(dst.Label())
		require.NoError(t, b.LoadBuffer(dst, 0, uint64(len(data)), h, 0))
		require.NoError(t, b.Commit())
		batches = append(batches, b)
	}
	assert.Equal(t, core.StatusComplete, batches[0].WaitUntilCompleted())
	assert.Equal(t, core.StatusError, batches[1].WaitUntilCompleted())

	hm.Stop()
	done.mu.Lock()
	defer done.mu.Unlock()
	require.Len(t, done.got, 2)
	byLabel := map[string]hooks.BatchCompletePayload{}
	for _, p := range done.got {
		byLabel[p.Label] = p
	}
	assert.Equal(t, core.StatusComplete, byLabel["ok"].Status)
	assert.NoError(t, byLabel["ok"].Error)
	assert.Equal(t, 1, byLabel["ok"].Ops)
	assert.Equal(t, core.StatusError, byLabel["short"].Status)
	assert.ErrorIs(t, byLabel["short"].Error, core.ErrTransfer)
}
