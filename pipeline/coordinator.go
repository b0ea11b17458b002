// Package pipeline implements the six-stage I/O pipeline that carries
// DIMSE service requests from the network to storage and back:
// network_receive -> pdu_decode -> dimse_process -> storage_query_exec
// -> response_encode -> network_send. Each stage owns a fixed-size
// worker pool and a bounded job queue; a job's Execute may hand off to
// the next stage by calling Coordinator.Submit again.
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dicomnet/pacscore/errors"
	"github.com/dicomnet/pacscore/metrics"
)

// Stage names the six pipeline stages in their canonical order.
type Stage string

const (
	StageNetworkReceive Stage = "network_receive"
	StagePDUDecode      Stage = "pdu_decode"
	StageDIMSEProcess   Stage = "dimse_process"
	StageStorageQuery   Stage = "storage_query_exec"
	StageResponseEncode Stage = "response_encode"
	StageNetworkSend    Stage = "network_send"
)

// Category classifies a job for per-category metrics and cancellation
// scoping. audit and maintenance extend spec.md's echo/store/find/
// get/move/association/control/other set to cover the audit log
// writer and the scheduled vacuum/analyze/checkpoint jobs.
type Category string

const (
	CategoryEcho        Category = "echo"
	CategoryStore       Category = "store"
	CategoryFind        Category = "find"
	CategoryGet         Category = "get"
	CategoryMove        Category = "move"
	CategoryAssociation Category = "association"
	CategoryControl     Category = "control"
	CategoryAudit       Category = "audit"
	CategoryMaintenance Category = "maintenance"
	CategoryOther       Category = "other"
)

// JobContext carries the metadata every job in the pipeline is tagged
// with, per spec.md §4.5.
type JobContext struct {
	JobID      uint64
	SessionID  string
	Stage      Stage
	Category   Category
	EnqueuedAt time.Time
	Sequence   uint64
	Priority   int // 0 = highest, 128 = default
}

// Job is one unit of pipeline work. Execute runs on its stage's
// worker pool and may call coordinator.Submit to hand off downstream.
type Job interface {
	Execute(ctx context.Context, coordinator *Coordinator) error
}

// StageConfig sizes one stage's worker pool and queue.
type StageConfig struct {
	Workers       int
	QueueDepth    int
	BlockingStage bool
}

// Config sizes every stage. Defaults match spec.md §4.5's table.
type Config struct {
	NetworkReceive StageConfig
	PDUDecode      StageConfig
	DIMSEProcess   StageConfig
	StorageQuery   StageConfig
	ResponseEncode StageConfig
	NetworkSend    StageConfig
	DrainTimeout   time.Duration
}

// ApplyDefaults fills in any zero-valued stage configuration with
// spec.md §4.5's defaults.
func (c *Config) ApplyDefaults() {
	setDefault := func(sc *StageConfig, workers, queueDepth int, blocking bool) {
		if sc.Workers == 0 {
			sc.Workers = workers
		}
		if sc.QueueDepth == 0 {
			sc.QueueDepth = queueDepth
		}
		sc.BlockingStage = sc.BlockingStage || blocking
	}
	setDefault(&c.NetworkReceive, 4, 256, false)
	setDefault(&c.PDUDecode, 2, 256, false)
	setDefault(&c.DIMSEProcess, 2, 256, false)
	setDefault(&c.StorageQuery, 8, 256, true)
	setDefault(&c.ResponseEncode, 2, 256, false)
	setDefault(&c.NetworkSend, 4, 256, false)
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// stageRuntime holds one stage's worker pool, queue, and per-stage
// counters.
type stageRuntime struct {
	name      Stage
	queue     chan Job
	config    StageConfig
	wg        sync.WaitGroup
	mu        sync.Mutex
	processed uint64
	dropped   uint64
}

// Coordinator is the pipeline's entry point: submit_to_stage from
// spec.md §4.5. It owns no reference back to any single association;
// associations hold a non-owning reference to the coordinator and are
// looked up by session id, per spec.md §9's cyclic-ownership note.
type Coordinator struct {
	stages  map[Stage]*stageRuntime
	metrics *metrics.Metrics

	mu          sync.RWMutex
	running     bool
	cancelFlags map[string]bool // "sessionID:messageID" -> cancelled

	nextJobID uint64
	jobIDMu   sync.Mutex

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	drainTimeout time.Duration
}

// NewCoordinator builds a Coordinator with the given per-stage sizing.
// Call Start to spin up the worker pools.
func NewCoordinator(cfg Config, m *metrics.Metrics) *Coordinator {
	cfg.ApplyDefaults()
	c := &Coordinator{
		stages:      make(map[Stage]*stageRuntime, 6),
		metrics:     m,
		cancelFlags: make(map[string]bool),
	}
	c.stages[StageNetworkReceive] = &stageRuntime{name: StageNetworkReceive, config: cfg.NetworkReceive}
	c.stages[StagePDUDecode] = &stageRuntime{name: StagePDUDecode, config: cfg.PDUDecode}
	c.stages[StageDIMSEProcess] = &stageRuntime{name: StageDIMSEProcess, config: cfg.DIMSEProcess}
	c.stages[StageStorageQuery] = &stageRuntime{name: StageStorageQuery, config: cfg.StorageQuery}
	c.stages[StageResponseEncode] = &stageRuntime{name: StageResponseEncode, config: cfg.ResponseEncode}
	c.stages[StageNetworkSend] = &stageRuntime{name: StageNetworkSend, config: cfg.NetworkSend}
	c.drainTimeout = cfg.DrainTimeout
	return c
}

// Start spins up every stage's worker pool.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(c.ctx)
	c.group = group
	c.ctx = gctx

	for stageName, rt := range c.stages {
		rt.queue = make(chan Job, rt.config.QueueDepth)
		for i := 0; i < rt.config.Workers; i++ {
			rt.wg.Add(1)
			name := stageName
			runtime := rt
			group.Go(func() error {
				defer runtime.wg.Done()
				c.runWorker(name, runtime)
				return nil
			})
		}
	}
}

func (c *Coordinator) runWorker(name Stage, rt *stageRuntime) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case job, ok := <-rt.queue:
			if !ok {
				return
			}
			start := time.Now()
			if err := job.Execute(c.ctx, c); err != nil {
				_ = err // stage-level errors surface through association abort, per spec.md §9 policy
			}
			rt.mu.Lock()
			rt.processed++
			rt.mu.Unlock()
			c.metrics.RecordStage(string(name), time.Since(start).Seconds())
			c.metrics.SetStageQueued(string(name), len(rt.queue))
		}
	}
}

// Submit enqueues job onto stage. It returns a PipelineError with code
// queue_full if the stage's queue is at capacity, or not_running if
// the coordinator has not been started or has begun shutting down.
func (c *Coordinator) Submit(stage Stage, job Job) error {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		return errors.NewPipelineError(errors.PipelineNotRunning, string(stage))
	}

	rt, ok := c.stages[stage]
	if !ok {
		return errors.NewPipelineError(errors.PipelineNotRunning, string(stage))
	}

	select {
	case rt.queue <- job:
		return nil
	default:
		rt.mu.Lock()
		rt.dropped++
		rt.mu.Unlock()
		c.metrics.RecordStageDropped(string(stage))
		return errors.NewPipelineError(errors.PipelineQueueFull, string(stage))
	}
}

// NextJobID returns a monotonically increasing job id for JobContext.
func (c *Coordinator) NextJobID() uint64 {
	c.jobIDMu.Lock()
	defer c.jobIDMu.Unlock()
	c.nextJobID++
	return c.nextJobID
}

// SetCancelled flips the cancel flag for a (session, message) pair,
// checked by stages at C-FIND page and C-MOVE sub-operation boundaries.
func (c *Coordinator) SetCancelled(sessionID string, messageID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFlags[cancelKey(sessionID, messageID)] = true
}

// IsCancelled reports whether a C-CANCEL has been received for this
// (session, message) pair.
func (c *Coordinator) IsCancelled(sessionID string, messageID uint16) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelFlags[cancelKey(sessionID, messageID)]
}

// ClearCancelled removes the cancel flag once the operation it guarded
// has terminated, so the map does not grow unboundedly across the
// association's lifetime.
func (c *Coordinator) ClearCancelled(sessionID string, messageID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelFlags, cancelKey(sessionID, messageID))
}

func cancelKey(sessionID string, messageID uint16) string {
	return sessionID + ":" + strconv.Itoa(int(messageID))
}

// Stop refuses new submissions, drains each stage's queue up to its
// configured drain timeout, then releases worker goroutines. Jobs
// already queued when the timeout elapses are dropped; their owning
// associations observe the pipeline closing, per spec.md §4.5.
func (c *Coordinator) Stop(drainTimeout time.Duration) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	if drainTimeout <= 0 {
		drainTimeout = c.drainTimeout
	}
	c.drainQueues(drainTimeout)

	for _, rt := range c.stages {
		close(rt.queue)
	}
	c.cancel()
	_ = c.group.Wait()
}

// drainQueues waits for every stage's queue to empty, up to timeout.
// Jobs still queued when the deadline passes are abandoned: Stop
// closes the queues right after, which is safe because every worker
// selects on ctx.Done() as well as the queue channel.
func (c *Coordinator) drainQueues(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		empty := true
		for _, rt := range c.stages {
			if len(rt.queue) > 0 {
				empty = false
				break
			}
		}
		if empty || time.Now().After(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// StageHealth reports whether one stage's worker pool is draining
// its queue (queue depth below capacity) and how many jobs it has
// processed and dropped, for the /healthz and metrics surfaces.
type StageHealth struct {
	Stage         Stage
	QueueDepth    int
	QueueDepthMax int
	Processed     uint64
	Dropped       uint64
	Healthy       bool
}

type HealthSnapshot struct {
	Stages  []StageHealth
	Healthy bool
}

// HealthSnapshot reports the current depth, processed count, and
// dropped count of every stage.
func (c *Coordinator) HealthSnapshot() HealthSnapshot {
	order := []Stage{
		StageNetworkReceive, StagePDUDecode, StageDIMSEProcess,
		StageStorageQuery, StageResponseEncode, StageNetworkSend,
	}
	snap := HealthSnapshot{Healthy: true}
	for _, name := range order {
		rt := c.stages[name]
		rt.mu.Lock()
		processed, dropped := rt.processed, rt.dropped
		rt.mu.Unlock()
		depth := len(rt.queue)
		healthy := depth < rt.config.QueueDepth
		if !healthy {
			snap.Healthy = false
		}
		snap.Stages = append(snap.Stages, StageHealth{
			Stage:         name,
			QueueDepth:    depth,
			QueueDepthMax: rt.config.QueueDepth,
			Processed:     processed,
			Dropped:       dropped,
			Healthy:       healthy,
		})
	}
	healthyCount := 0
	for _, s := range snap.Stages {
		if s.Healthy {
			healthyCount++
		}
	}
	c.metrics.SetHealthyStages(healthyCount)
	return snap
}
