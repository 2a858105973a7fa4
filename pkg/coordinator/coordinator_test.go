package coordinator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/protocol"
	"github.com/wehubfusion/Daedalus/pkg/worker"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func newTestWorker(t *testing.T, id string) *httptest.Server {
	t.Helper()
	w, err := worker.New(worker.Options{
		ID:             id,
		CoordinatorURL: "http://coordinator.invalid",
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	server := httptest.NewServer(w.Handler())
	t.Cleanup(server.Close)
	return server
}

func waitForRun(t *testing.T, c *Coordinator, runID string, timeout time.Duration) protocol.RunStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, ok := c.RunStatus(runID)
		require.True(t, ok)
		if status.Status != protocol.RunRunning {
			return status
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish within %s", runID, timeout)
	return protocol.RunStatus{}
}

func diamondWorkflow() *workflow.Workflow {
	delay := func(id string, needs ...string) workflow.Node {
		return workflow.Node{
			ID:     id,
			Kind:   workflow.KindDelay,
			Needs:  needs,
			Params: map[string]any{"milliseconds": int64(5)},
		}
	}
	return &workflow.Workflow{
		Name:    "diamond",
		Version: "1.0",
		Nodes: []workflow.Node{
			delay("a"),
			delay("b", "a"),
			delay("c", "a"),
			delay("d", "b", "c"),
		},
	}
}

func TestDistributedRunSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Options{Logger: zap.NewNop()})
	c.Start(ctx)

	workerServer := newTestWorker(t, "w1")
	c.RegisterWorker("w1", workerServer.URL)

	runID, err := c.Submit(diamondWorkflow(), nil)
	require.NoError(t, err)

	status := waitForRun(t, c, runID, 10*time.Second)
	assert.Equal(t, protocol.RunSucceeded, status.Status)
	assert.Len(t, status.Outputs, 4)
	assert.Equal(t, 4, status.Completed)
}

func TestDistributedMixedLocalAndRemoteKinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Options{Logger: zap.NewNop()})
	c.Start(ctx)
	c.RegisterWorker("w1", newTestWorker(t, "w1").URL)

	wf := &workflow.Workflow{
		Name:    "mixed",
		Version: "1.0",
		Global:  map[string]any{"xs": []any{int64(1), int64(2), int64(3)}},
		Nodes: []workflow.Node{
			{
				// Runs locally on the coordinator.
				ID:   "record",
				Kind: workflow.KindAssign,
				Params: map[string]any{
					"assignments": []any{
						map[string]any{"key": "seen", "value": "{{ global.xs }}"},
					},
				},
			},
			{
				// Ships to the worker with params resolved coordinator-side.
				ID:    "extract",
				Kind:  workflow.KindTransform,
				Needs: []string{"record"},
				Params: map[string]any{
					"input": "{{ global.seen }}",
					"path":  "$[*]",
				},
			},
		},
	}
	require.NoError(t, wf.Validate())

	runID, err := c.Submit(wf, nil)
	require.NoError(t, err)

	status := waitForRun(t, c, runID, 10*time.Second)
	require.Equal(t, protocol.RunSucceeded, status.Status)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, status.Outputs["extract"])
}

func TestTaskRetriesOnDeadWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Options{Logger: zap.NewNop(), MaxRetries: 2})
	c.Start(ctx)

	// A worker whose endpoint refuses connections beside a healthy one. Both
	// start with the same last-assigned time, so either may be picked first;
	// if the dead one is tried, the requeued task goes to the live one.
	deadServer := httptest.NewServer(nil)
	deadURL := deadServer.URL
	deadServer.Close()
	c.RegisterWorker("dead", deadURL)
	c.RegisterWorker("live", newTestWorker(t, "live").URL)

	wf := &workflow.Workflow{
		Name:    "retry",
		Version: "1.0",
		Nodes: []workflow.Node{
			{ID: "only", Kind: workflow.KindDelay, Params: map[string]any{"milliseconds": int64(1)}},
		},
	}
	require.NoError(t, wf.Validate())

	runID, err := c.Submit(wf, nil)
	require.NoError(t, err)

	status := waitForRun(t, c, runID, 10*time.Second)
	assert.Equal(t, protocol.RunSucceeded, status.Status)
}

func TestRunFailsWhenRetriesExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Options{Logger: zap.NewNop(), MaxRetries: 1})
	c.Start(ctx)

	deadServer := httptest.NewServer(nil)
	deadURL := deadServer.URL
	deadServer.Close()
	c.RegisterWorker("dead", deadURL)

	wf := &workflow.Workflow{
		Name:    "exhausted",
		Version: "1.0",
		Nodes: []workflow.Node{
			{ID: "only", Kind: workflow.KindDelay, Params: map[string]any{"milliseconds": int64(1)}},
		},
	}
	require.NoError(t, wf.Validate())

	runID, err := c.Submit(wf, nil)
	require.NoError(t, err)

	status := waitForRun(t, c, runID, 10*time.Second)
	assert.Equal(t, protocol.RunFailed, status.Status)
	assert.Contains(t, status.Error, "attempts")
}

func TestHeartbeatMarksLostWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Options{Logger: zap.NewNop(), HeartbeatTimeout: 150 * time.Millisecond})
	c.Start(ctx)
	c.RegisterWorker("silent", "http://silent.invalid")

	require.Eventually(t, func() bool {
		workers := c.Workers()
		return len(workers) == 1 && workers[0].State == protocol.WorkerLost
	}, 5*time.Second, 25*time.Millisecond)

	// A fresh heartbeat revives the entry.
	require.True(t, c.Heartbeat("silent", false))
	workers := c.Workers()
	assert.Equal(t, protocol.WorkerIdle, workers[0].State)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	c := New(Options{Logger: zap.NewNop()})
	assert.False(t, c.Heartbeat("ghost", false))
}

func TestFirstResultWins(t *testing.T) {
	req := &taskRequest{done: make(chan protocol.Result, 1)}
	req.deliver(protocol.Result{Status: protocol.StatusOK, Output: "first"})
	req.deliver(protocol.Result{Status: protocol.StatusOK, Output: "second"})

	result := <-req.done
	assert.Equal(t, "first", result.Output)
	select {
	case extra := <-req.done:
		t.Fatalf("unexpected second delivery: %v", extra)
	default:
	}
}

func TestSubmitRejectsInvalidWorkflow(t *testing.T) {
	c := New(Options{Logger: zap.NewNop()})
	_, err := c.Submit(&workflow.Workflow{
		Name:    "bad",
		Version: "1.0",
		Nodes: []workflow.Node{
			{ID: "a", Kind: workflow.KindDelay, Needs: []string{"a"}},
		},
	}, nil)
	require.Error(t, err)
	assert.True(t, workflow.IsLoadError(err))
}

func TestRunStatusUnknownRun(t *testing.T) {
	c := New(Options{Logger: zap.NewNop()})
	_, ok := c.RunStatus("missing")
	assert.False(t, ok)
}
