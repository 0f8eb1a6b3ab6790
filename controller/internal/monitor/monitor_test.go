package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
	"github.com/yanet-platform/fabricd/controller/internal/switchid"
)

type testSwitch struct {
	id  fabric.DatapathID
	err error

	mu       sync.Mutex
	requests []fabric.PortNo
}

func (m *testSwitch) ID() fabric.DatapathID {
	return m.id
}

func (m *testSwitch) RequestPortStats(_ context.Context, port fabric.PortNo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, port)
	return m.err
}

func (m *testSwitch) InstallFlow(context.Context, fabric.FlowRule) error {
	return nil
}

func (m *testSwitch) Requests() []fabric.PortNo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]fabric.PortNo(nil), m.requests...)
}

type staticSource []fabric.Switch

func (m staticSource) List() []fabric.Switch {
	return m
}

func TestPollRequestsOnlyMiddleSwitches(t *testing.T) {
	middle0 := &testSwitch{id: switchid.MakeID(2, 0, 0)}
	middle1 := &testSwitch{id: switchid.MakeID(2, 1, 0)}
	client := &testSwitch{id: switchid.MakeID(1, 1, 1)}
	server := &testSwitch{id: switchid.MakeID(1, 2, 1)}
	unknown := &testSwitch{id: switchid.MakeID(5, 0, 0)}

	m := New(DefaultConfig(), staticSource{middle0, middle1, client, server, unknown})
	require.Equal(t, 2, m.Poll(context.Background()))

	require.Equal(t, []fabric.PortNo{fabric.PortAny}, middle0.Requests())
	require.Equal(t, []fabric.PortNo{fabric.PortAny}, middle1.Requests())
	require.Empty(t, client.Requests())
	require.Empty(t, server.Requests())
	require.Empty(t, unknown.Requests())
}

func TestPollContinuesAfterFailure(t *testing.T) {
	broken := &testSwitch{id: switchid.MakeID(2, 0, 0), err: errors.New("broken pipe")}
	healthy := &testSwitch{id: switchid.MakeID(2, 1, 0)}

	cfg := DefaultConfig()
	cfg.Concurrency = 1
	m := New(cfg, staticSource{broken, healthy})

	require.Equal(t, 1, m.Poll(context.Background()))
	require.Len(t, broken.Requests(), 1)
	require.Len(t, healthy.Requests(), 1)
}

type blockingSwitch struct {
	testSwitch
}

func (m *blockingSwitch) RequestPortStats(ctx context.Context, port fabric.PortNo) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPollBoundsSlowSwitches(t *testing.T) {
	slow := &blockingSwitch{testSwitch{id: switchid.MakeID(2, 0, 0)}}
	fast := &testSwitch{id: switchid.MakeID(2, 1, 0)}

	cfg := DefaultConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	m := New(cfg, staticSource{slow, fast})

	start := time.Now()
	require.Equal(t, 1, m.Poll(context.Background()))
	require.Less(t, time.Since(start), time.Second)
	require.Len(t, fast.Requests(), 1)
}

func TestRunPollsPeriodically(t *testing.T) {
	middle := &testSwitch{id: switchid.MakeID(2, 0, 0)}

	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	m := New(cfg, staticSource{middle})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(middle.Requests()) >= 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
