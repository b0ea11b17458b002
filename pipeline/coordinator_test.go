package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dicomnet/pacscore/errors"
	"github.com/dicomnet/pacscore/metrics"
)

func testCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := NewCoordinator(Config{}, m)
	c.Start()
	t.Cleanup(func() { c.Stop(time.Second) })
	return c
}

type countingJob struct {
	done chan struct{}
}

func (j *countingJob) Execute(ctx context.Context, c *Coordinator) error {
	close(j.done)
	return nil
}

func TestSubmitRunsJob(t *testing.T) {
	c := testCoordinator(t)
	job := &countingJob{done: make(chan struct{})}

	if err := c.Submit(StageDIMSEProcess, job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-job.done:
	case <-time.After(time.Second):
		t.Fatal("job did not run in time")
	}
}

func TestSubmitNotRunning(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := NewCoordinator(Config{}, m)

	err := c.Submit(StageDIMSEProcess, &countingJob{done: make(chan struct{})})
	if err == nil {
		t.Fatal("expected error submitting before Start")
	}
	if pe, ok := err.(*errors.PipelineError); !ok || pe.Code != errors.PipelineNotRunning {
		t.Errorf("got %v (%T), want PipelineNotRunning", err, err)
	}
}

type blockingJob struct {
	release chan struct{}
}

func (j *blockingJob) Execute(ctx context.Context, c *Coordinator) error {
	<-j.release
	return nil
}

func TestSubmitQueueFull(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	c := NewCoordinator(Config{
		DIMSEProcess: StageConfig{Workers: 1, QueueDepth: 1},
	}, m)
	c.Start()
	defer c.Stop(time.Second)

	release := make(chan struct{})
	defer close(release)

	// First job occupies the only worker.
	if err := c.Submit(StageDIMSEProcess, &blockingJob{release: release}); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	// Second fills the queue.
	if err := c.Submit(StageDIMSEProcess, &blockingJob{release: release}); err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	// Third should be rejected as queue_full.
	err := c.Submit(StageDIMSEProcess, &blockingJob{release: release})
	if err == nil {
		t.Fatal("expected queue_full error")
	}
	if pe, ok := err.(*errors.PipelineError); !ok || pe.Code != errors.PipelineQueueFull {
		t.Errorf("got %v, want PipelineQueueFull", err)
	}
}

func TestCancelFlagLifecycle(t *testing.T) {
	c := testCoordinator(t)

	if c.IsCancelled("session-1", 5) {
		t.Error("expected not cancelled before SetCancelled")
	}
	c.SetCancelled("session-1", 5)
	if !c.IsCancelled("session-1", 5) {
		t.Error("expected cancelled after SetCancelled")
	}
	c.ClearCancelled("session-1", 5)
	if c.IsCancelled("session-1", 5) {
		t.Error("expected not cancelled after ClearCancelled")
	}
}

func TestHealthSnapshotAllHealthyAtStart(t *testing.T) {
	c := testCoordinator(t)
	snap := c.HealthSnapshot()
	if !snap.Healthy {
		t.Error("expected a freshly-started coordinator to report healthy")
	}
	if len(snap.Stages) != 6 {
		t.Errorf("got %d stages, want 6", len(snap.Stages))
	}
}

func TestNextJobIDIsMonotonic(t *testing.T) {
	c := testCoordinator(t)
	var last uint64
	for i := 0; i < 100; i++ {
		id := c.NextJobID()
		if id <= last {
			t.Fatalf("NextJobID not increasing: %d <= %d", id, last)
		}
		last = id
	}
}

func TestApplyDefaultsMatchesSpecTable(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	checks := []struct {
		name    string
		workers int
		want    int
	}{
		{"network_receive", cfg.NetworkReceive.Workers, 4},
		{"pdu_decode", cfg.PDUDecode.Workers, 2},
		{"dimse_process", cfg.DIMSEProcess.Workers, 2},
		{"storage_query_exec", cfg.StorageQuery.Workers, 8},
		{"response_encode", cfg.ResponseEncode.Workers, 2},
		{"network_send", cfg.NetworkSend.Workers, 4},
	}
	for _, c := range checks {
		if c.workers != c.want {
			t.Errorf("%s workers = %d, want %d", c.name, c.workers, c.want)
		}
	}
	if !cfg.StorageQuery.BlockingStage {
		t.Error("expected storage_query_exec to allow blocking")
	}
	if cfg.NetworkReceive.BlockingStage {
		t.Error("expected network_receive to disallow blocking")
	}
}
