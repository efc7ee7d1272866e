package migration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/ledger"
	"github.com/virtforge/virtforge/internal/scheduler"
)

// ============================================================
// Fakes
// ============================================================

// fakeDriver tracks workload placement per node and supports per-operation
// failure injection and gating.
type fakeDriver struct {
	mu     sync.Mutex
	state  map[string]string // "nodeID/workloadID" -> running|stopped
	fail   map[string]error
	gates  map[string]chan struct{}
	calls  []string
	report *hypervisor.PreflightReport
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		state: make(map[string]string),
		fail:  make(map[string]error),
		gates: make(map[string]chan struct{}),
		report: &hypervisor.PreflightReport{
			Compatible: true,
		},
	}
}

func key(nodeID, workloadID string) string { return nodeID + "/" + workloadID }

func (d *fakeDriver) failOn(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail[op] = err
}

// gateOn makes op block until the returned channel is closed.
func (d *fakeDriver) gateOn(op string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate := make(chan struct{})
	d.gates[op] = gate
	return gate
}

func (d *fakeDriver) setState(nodeID, workloadID, state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[key(nodeID, workloadID)] = state
}

func (d *fakeDriver) stateOf(nodeID, workloadID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.state[key(nodeID, workloadID)]; ok {
		return s
	}
	return hypervisor.StateAbsent
}

func (d *fakeDriver) callCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (d *fakeDriver) begin(ctx context.Context, op string) error {
	d.mu.Lock()
	d.calls = append(d.calls, op)
	gate := d.gates[op]
	err := d.fail[op]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *fakeDriver) Probe(ctx context.Context, _ *domain.ComputeNode) error {
	return d.begin(ctx, "Probe")
}

func (d *fakeDriver) CreateWorkload(ctx context.Context, node *domain.ComputeNode, wl *domain.Workload) error {
	if err := d.begin(ctx, "CreateWorkload"); err != nil {
		return err
	}
	d.setState(node.ID, wl.ID, hypervisor.StateStopped)
	return nil
}

func (d *fakeDriver) StartWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string) error {
	if err := d.begin(ctx, "StartWorkload"); err != nil {
		return err
	}
	d.setState(node.ID, workloadID, hypervisor.StateRunning)
	return nil
}

func (d *fakeDriver) StopWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string, _ bool) error {
	if err := d.begin(ctx, "StopWorkload"); err != nil {
		return err
	}
	d.setState(node.ID, workloadID, hypervisor.StateStopped)
	return nil
}

func (d *fakeDriver) DeleteWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string, _ bool) error {
	if err := d.begin(ctx, "DeleteWorkload"); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.state, key(node.ID, workloadID))
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) WorkloadStatus(ctx context.Context, node *domain.ComputeNode, workloadID string) (*hypervisor.WorkloadStatus, error) {
	if err := d.begin(ctx, "WorkloadStatus"); err != nil {
		return nil, err
	}
	return &hypervisor.WorkloadStatus{
		WorkloadID: workloadID,
		State:      d.stateOf(node.ID, workloadID),
	}, nil
}

func (d *fakeDriver) CopyDisk(ctx context.Context, _, _ *domain.ComputeNode, _ string, _ hypervisor.TransferOptions) error {
	return d.begin(ctx, "CopyDisk")
}

func (d *fakeDriver) StreamState(ctx context.Context, _, _ *domain.ComputeNode, _ string, _ hypervisor.TransferOptions) error {
	return d.begin(ctx, "StreamState")
}

func (d *fakeDriver) Switchover(ctx context.Context, source, target *domain.ComputeNode, workloadID string) error {
	if err := d.begin(ctx, "Switchover"); err != nil {
		return err
	}
	d.setState(source.ID, workloadID, hypervisor.StateStopped)
	d.setState(target.ID, workloadID, hypervisor.StateRunning)
	return nil
}

func (d *fakeDriver) Preflight(ctx context.Context, _, _ *domain.ComputeNode, _ *domain.Workload) (*hypervisor.PreflightReport, error) {
	if err := d.begin(ctx, "Preflight"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.report, nil
}

// fakeJobRepo is a map-backed JobRepository with the atomic uniqueness guard.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.MigrationJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*domain.MigrationJob)}
}

func (r *fakeJobRepo) CreateIfNoneActive(_ context.Context, job *domain.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.WorkloadID == job.WorkloadID && existing.Active() {
			return domain.ErrMigrationConflict
		}
	}
	c := *job
	r.jobs[job.ID] = &c
	return nil
}

func (r *fakeJobRepo) Get(_ context.Context, id string) (*domain.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *job
	return &c, nil
}

func (r *fakeJobRepo) Update(_ context.Context, job *domain.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	c := *job
	r.jobs[job.ID] = &c
	return nil
}

func (r *fakeJobRepo) ListActive(_ context.Context) ([]*domain.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.MigrationJob
	for _, job := range r.jobs {
		if job.Active() {
			c := *job
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) ListByWorkload(_ context.Context, workloadID string) ([]*domain.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.MigrationJob
	for _, job := range r.jobs {
		if job.WorkloadID == workloadID {
			c := *job
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// fakeWorkloadRepo is a map-backed WorkloadRepository. It also serves as the
// placement engine's workload getter.
type fakeWorkloadRepo struct {
	mu        sync.Mutex
	workloads map[string]*domain.Workload
}

func newFakeWorkloadRepo() *fakeWorkloadRepo {
	return &fakeWorkloadRepo{workloads: make(map[string]*domain.Workload)}
}

func (r *fakeWorkloadRepo) add(wl *domain.Workload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workloads[wl.ID] = wl
}

func (r *fakeWorkloadRepo) Get(_ context.Context, id string) (*domain.Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wl, ok := r.workloads[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *wl
	return &c, nil
}

func (r *fakeWorkloadRepo) UpdateState(_ context.Context, id string, state domain.WorkloadState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wl, ok := r.workloads[id]
	if !ok {
		return domain.ErrNotFound
	}
	wl.State = state
	return nil
}

func (r *fakeWorkloadRepo) TransferOwnership(_ context.Context, id, nodeID string, state domain.WorkloadState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wl, ok := r.workloads[id]
	if !ok {
		return domain.ErrNotFound
	}
	wl.NodeID = nodeID
	wl.State = state
	return nil
}

// fakeNodeGetter is a map-backed NodeGetter.
type fakeNodeGetter struct {
	mu    sync.Mutex
	nodes map[string]*domain.ComputeNode
}

func newFakeNodeGetter() *fakeNodeGetter {
	return &fakeNodeGetter{nodes: make(map[string]*domain.ComputeNode)}
}

func (r *fakeNodeGetter) add(node *domain.ComputeNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = node
}

func (r *fakeNodeGetter) Get(_ context.Context, id string) (*domain.ComputeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *node
	return &c, nil
}

// fakeHealth marks every registered node schedulable unless overridden.
type fakeHealth struct {
	mu          sync.Mutex
	schedulable map[string]bool
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{schedulable: make(map[string]bool)}
}

func (h *fakeHealth) set(nodeID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.schedulable[nodeID] = ok
}

func (h *fakeHealth) Schedulable(nodeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.schedulable[nodeID]
}

// ============================================================
// Fixture
// ============================================================

type fixture struct {
	ledger    *ledger.Ledger
	driver    *fakeDriver
	jobs      *fakeJobRepo
	workloads *fakeWorkloadRepo
	nodes     *fakeNodeGetter
	health    *fakeHealth
	orch      *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	f := &fixture{
		ledger:    ledger.New(logger),
		driver:    newFakeDriver(),
		jobs:      newFakeJobRepo(),
		workloads: newFakeWorkloadRepo(),
		nodes:     newFakeNodeGetter(),
		health:    newFakeHealth(),
	}
	sched := scheduler.New(f.ledger, f.health, f.workloads, scheduler.DefaultConfig(), logger)
	f.orch = New(cfg, f.jobs, f.workloads, f.nodes, f.driver, f.ledger, sched, nil, nil, logger)
	return f
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.StageTimeout = 2 * time.Second
	cfg.TransferTimeout = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func (f *fixture) addNode(id string, cpu int32, memMiB, diskGiB int64) *domain.ComputeNode {
	node := &domain.ComputeNode{
		ID:         id,
		Name:       id,
		AgentAddr:  id + ":8090",
		Capacity:   domain.Resources{CPUCores: cpu, MemoryMiB: memMiB, DiskGiB: diskGiB},
		Overcommit: domain.OvercommitRatio{CPU: 1, Memory: 1, Disk: 1},
		Health:     domain.NodeHealthHealthy,
	}
	f.nodes.add(node)
	f.ledger.AddNode(node)
	f.health.set(id, true)
	return node
}

// placeWorkload seeds a workload on a node with a matching ledger
// reservation and agent-side state.
func (f *fixture) placeWorkload(id, nodeID string, req domain.Resources, running bool) *domain.Workload {
	state := domain.WorkloadStateStopped
	agentState := hypervisor.StateStopped
	if running {
		state = domain.WorkloadStateRunning
		agentState = hypervisor.StateRunning
	}
	wl := &domain.Workload{
		ID:      id,
		Name:    id,
		NodeID:  nodeID,
		Request: req,
		State:   state,
	}
	f.workloads.add(wl)
	f.ledger.Hydrate(nodeID, id, req)
	f.driver.setState(nodeID, id, agentState)
	return wl
}

func (f *fixture) waitTerminal(t *testing.T, jobID string) *domain.MigrationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.jobs.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

func (f *fixture) waitStage(t *testing.T, jobID string, stage domain.MigrationStage) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.jobs.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Stage == stage {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached stage %s", jobID, stage)
}

var smallReq = domain.Resources{CPUCores: 2, MemoryMiB: 2048, DiskGiB: 20}

// ============================================================
// Happy paths
// ============================================================

func TestOrchestrator_OfflineMigration_Succeeds(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeOffline,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.State, final.FailureReason)
	}
	if final.Stage != domain.StageCompleted {
		t.Errorf("expected stage COMPLETED, got %s", final.Stage)
	}
	if final.TargetNodeID != "node-b" {
		t.Errorf("expected target node-b, got %s", final.TargetNodeID)
	}

	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-b" {
		t.Errorf("ownership should move to node-b, got %s", wl.NodeID)
	}
	if wl.State != domain.WorkloadStateRunning {
		t.Errorf("workload should be running after migration, got %s", wl.State)
	}

	if got := f.driver.stateOf("node-b", "wl-1"); got != hypervisor.StateRunning {
		t.Errorf("target copy should be running, got %s", got)
	}
	if got := f.driver.stateOf("node-a", "wl-1"); got != hypervisor.StateAbsent {
		t.Errorf("source copy should be cleaned, got %s", got)
	}

	if _, held := f.ledger.Reserved("node-a", "wl-1"); held {
		t.Error("source reservation should be released")
	}
	if _, held := f.ledger.Reserved("node-b", "wl-1"); !held {
		t.Error("target reservation should be retained")
	}
}

func TestOrchestrator_LiveMigration_Succeeds(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeLive,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.State, final.FailureReason)
	}

	if f.driver.callCount("Preflight") != 1 {
		t.Error("live migration must run exactly one preflight check")
	}
	if f.driver.callCount("StreamState") != 1 {
		t.Error("live migration must stream state once")
	}
	if f.driver.callCount("StopWorkload") != 0 {
		t.Error("live migration must not stop the source before switchover")
	}

	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-b" || wl.State != domain.WorkloadStateRunning {
		t.Errorf("expected running on node-b, got %s on %s", wl.State, wl.NodeID)
	}
}

func TestOrchestrator_OfflineStoppedWorkload_MovesAtRest(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, false)

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeOffline,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.State, final.FailureReason)
	}

	if f.driver.callCount("StopWorkload") != 0 || f.driver.callCount("StartWorkload") != 0 {
		t.Error("a stopped workload must move without stop/start calls")
	}
	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-b" || wl.State != domain.WorkloadStateStopped {
		t.Errorf("expected stopped on node-b, got %s on %s", wl.State, wl.NodeID)
	}
}

// ============================================================
// Rollback and abort paths
// ============================================================

func TestOrchestrator_LiveStreamingFailure_SourceStaysCanonical(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	f.driver.failOn("StreamState", errors.New("network drop"))

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeLive,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("expected FAILED, got %s", final.State)
	}
	if !strings.Contains(final.FailureReason, string(domain.StageStreamingState)) {
		t.Errorf("failure reason should name the stage, got %q", final.FailureReason)
	}

	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-a" {
		t.Errorf("ownership must not change on rollback, got %s", wl.NodeID)
	}
	if wl.State != domain.WorkloadStateRunning {
		t.Errorf("workload must remain running on the source, got %s", wl.State)
	}
	if got := f.driver.stateOf("node-a", "wl-1"); got != hypervisor.StateRunning {
		t.Errorf("source copy must keep running, got %s", got)
	}
	if f.driver.callCount("StartWorkload") != 0 {
		t.Error("live abort before switchover must not restart anything")
	}
	if _, held := f.ledger.Reserved("node-b", "wl-1"); held {
		t.Error("target reservation must be released on rollback")
	}
	if _, held := f.ledger.Reserved("node-a", "wl-1"); !held {
		t.Error("source reservation must be retained on rollback")
	}
}

func TestOrchestrator_PreflightIncompatible_AbortsBeforeData(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	f.driver.report = &hypervisor.PreflightReport{
		Compatible: false,
		Reasons:    []string{"cpu model mismatch"},
	}

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeLive,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("expected FAILED, got %s", final.State)
	}
	if !strings.Contains(final.FailureReason, "cpu model mismatch") {
		t.Errorf("failure reason should carry the preflight detail, got %q", final.FailureReason)
	}
	if f.driver.callCount("StreamState") != 0 {
		t.Error("no data may move after a failed preflight")
	}

	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-a" || wl.State != domain.WorkloadStateRunning {
		t.Errorf("source must be untouched, got %s on %s", wl.State, wl.NodeID)
	}
}

func TestOrchestrator_OfflineProvisioningFailure_RestartsSource(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	f.driver.failOn("CreateWorkload", errors.New("target refused connection"))

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeOffline,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("expected FAILED, got %s", final.State)
	}

	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-a" {
		t.Errorf("ownership must not change on rollback, got %s", wl.NodeID)
	}
	if wl.State != domain.WorkloadStateRunning {
		t.Errorf("workload must be restarted on the source, got %s", wl.State)
	}
	if got := f.driver.stateOf("node-a", "wl-1"); got != hypervisor.StateRunning {
		t.Errorf("source copy must be running again, got %s", got)
	}
	if _, held := f.ledger.Reserved("node-b", "wl-1"); held {
		t.Error("target reservation must be released on rollback")
	}
}

func TestOrchestrator_StageTimeout_RollsBack(t *testing.T) {
	cfg := quickConfig()
	cfg.TransferTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	f.driver.gateOn("CopyDisk") // never released

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeOffline,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateFailed {
		t.Fatalf("expected FAILED, got %s", final.State)
	}
	if !strings.Contains(final.FailureReason, "timed out") {
		t.Errorf("failure reason should mark the timeout, got %q", final.FailureReason)
	}
	if !strings.Contains(final.FailureReason, string(domain.StageCopyingDisk)) {
		t.Errorf("failure reason should name the stage, got %q", final.FailureReason)
	}

	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-a" || wl.State != domain.WorkloadStateRunning {
		t.Errorf("expected running on node-a after rollback, got %s on %s", wl.State, wl.NodeID)
	}
}

func TestStageErrorClassification(t *testing.T) {
	cause := errors.New("disk copy interrupted")

	failed := domain.NewStageError(domain.StageCopyingDisk, cause)
	if !errors.Is(failed, domain.ErrStageFailed) {
		t.Error("stage failure should match ErrStageFailed")
	}
	if errors.Is(failed, domain.ErrStageTimeout) {
		t.Error("plain stage failure should not match ErrStageTimeout")
	}
	if !errors.Is(failed, cause) {
		t.Error("stage failure should unwrap to its cause")
	}
	if !strings.Contains(failed.Error(), string(domain.StageCopyingDisk)) {
		t.Errorf("message should name the stage, got %q", failed.Error())
	}

	// A timeout is still a stage failure; it matches both sentinels.
	timedOut := domain.NewStageTimeout(domain.StageStreamingState, cause)
	if !errors.Is(timedOut, domain.ErrStageTimeout) {
		t.Error("stage timeout should match ErrStageTimeout")
	}
	if !errors.Is(timedOut, domain.ErrStageFailed) {
		t.Error("stage timeout should also match ErrStageFailed")
	}
}

// ============================================================
// Conflicts and validation
// ============================================================

func TestOrchestrator_ConcurrentJobForSameWorkload_Conflicts(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 16, 32768, 400)
	f.addNode("node-b", 16, 32768, 400)
	f.addNode("node-c", 16, 32768, 400)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	gate := f.driver.gateOn("StreamState")

	first, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeLive,
	})
	if err != nil {
		t.Fatalf("start first migration: %v", err)
	}
	f.waitStage(t, first.ID, domain.StageStreamingState)

	_, err = f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeLive,
	})
	if !errors.Is(err, domain.ErrMigrationConflict) {
		t.Fatalf("expected ErrMigrationConflict, got %v", err)
	}

	close(gate)
	final := f.waitTerminal(t, first.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("first migration should complete, got %s (%s)", final.State, final.FailureReason)
	}
	if f.jobs.count() != 1 {
		t.Errorf("conflicting request must not leave a job record, found %d", f.jobs.count())
	}

	// The losing request must not leak its target reservation.
	total := 0
	for _, usage := range f.ledger.SnapshotAll() {
		total += usage.Workloads
	}
	if total != 1 {
		t.Errorf("expected exactly 1 standing reservation, got %d", total)
	}
}

func TestOrchestrator_PinnedTarget_InsufficientCapacity(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 1, 512, 10)
	f.placeWorkload("wl-1", "node-a", smallReq, true)

	_, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID:   "wl-1",
		TargetNodeID: "node-b",
		Mode:         domain.MigrationModeOffline,
	})
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}

	// The guard record is closed out; a new migration attempt must not be
	// blocked by it.
	active, _ := f.jobs.ListActive(context.Background())
	if len(active) != 0 {
		t.Errorf("expected no active jobs after a failed start, got %d", len(active))
	}
	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-a" || wl.State != domain.WorkloadStateRunning {
		t.Errorf("workload must be untouched, got %s on %s", wl.State, wl.NodeID)
	}
}

func TestOrchestrator_PinnedTarget_InMaintenance(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	target := f.addNode("node-b", 8, 16384, 200)
	target.Maintenance = true
	f.nodes.add(target)
	f.placeWorkload("wl-1", "node-a", smallReq, true)

	_, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID:   "wl-1",
		TargetNodeID: "node-b",
		Mode:         domain.MigrationModeOffline,
	})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestOrchestrator_TargetEqualsSource_Rejected(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)

	_, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID:   "wl-1",
		TargetNodeID: "node-a",
		Mode:         domain.MigrationModeOffline,
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestOrchestrator_LiveRequiresRunningWorkload(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, false)

	_, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeLive,
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

// ============================================================
// Cancellation
// ============================================================

func TestOrchestrator_Cancel_BeforeCommitPoint(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	f.driver.gateOn("CopyDisk") // held until cancelled

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeOffline,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}
	f.waitStage(t, job.ID, domain.StageCopyingDisk)

	if err := f.orch.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateCancelled {
		t.Fatalf("expected CANCELLED, got %s", final.State)
	}

	wl, _ := f.workloads.Get(context.Background(), "wl-1")
	if wl.NodeID != "node-a" || wl.State != domain.WorkloadStateRunning {
		t.Errorf("expected running on node-a after cancel, got %s on %s", wl.State, wl.NodeID)
	}
	if _, held := f.ledger.Reserved("node-b", "wl-1"); held {
		t.Error("target reservation must be released on cancel")
	}
}

func TestOrchestrator_Cancel_PastCommitPoint_Refused(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	gate := f.driver.gateOn("DeleteWorkload") // holds CleaningSource open

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1",
		Mode:       domain.MigrationModeOffline,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}
	f.waitStage(t, job.ID, domain.StageCleaningSource)

	err = f.orch.Cancel(context.Background(), job.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict past the commit point, got %v", err)
	}

	close(gate)
	final := f.waitTerminal(t, job.ID)
	if final.State != domain.MigrationStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.State, final.FailureReason)
	}
}

// ============================================================
// Concurrency semaphore
// ============================================================

func TestOrchestrator_ConcurrencyBound_QueuesExcessJobs(t *testing.T) {
	cfg := quickConfig()
	cfg.MaxConcurrent = 1
	f := newFixture(t, cfg)
	f.addNode("node-a", 32, 65536, 800)
	f.addNode("node-b", 32, 65536, 800)
	f.placeWorkload("wl-1", "node-a", smallReq, true)
	f.placeWorkload("wl-2", "node-a", smallReq, true)
	gate := f.driver.gateOn("StreamState")

	first, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1", Mode: domain.MigrationModeLive,
	})
	if err != nil {
		t.Fatalf("start first migration: %v", err)
	}
	f.waitStage(t, first.ID, domain.StageStreamingState)

	second, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-2", Mode: domain.MigrationModeLive,
	})
	if err != nil {
		t.Fatalf("start second migration: %v", err)
	}

	// With a single slot the second job must sit in Pending while the first
	// holds the semaphore.
	time.Sleep(100 * time.Millisecond)
	queued, _ := f.jobs.Get(context.Background(), second.ID)
	if queued.Stage != domain.StagePending {
		t.Fatalf("second job should be queued in PENDING, got %s", queued.Stage)
	}

	close(gate)
	if final := f.waitTerminal(t, first.ID); final.State != domain.MigrationStateCompleted {
		t.Fatalf("first migration should complete, got %s (%s)", final.State, final.FailureReason)
	}
	if final := f.waitTerminal(t, second.ID); final.State != domain.MigrationStateCompleted {
		t.Fatalf("second migration should complete, got %s (%s)", final.State, final.FailureReason)
	}
}

func TestOrchestrator_Drain_WaitsForJobs(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.addNode("node-a", 8, 16384, 200)
	f.addNode("node-b", 8, 16384, 200)
	f.placeWorkload("wl-1", "node-a", smallReq, true)

	job, err := f.orch.Start(context.Background(), StartRequest{
		WorkloadID: "wl-1", Mode: domain.MigrationModeOffline,
	})
	if err != nil {
		t.Fatalf("start migration: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	final, _ := f.jobs.Get(context.Background(), job.ID)
	if !final.State.Terminal() {
		t.Errorf("job should be terminal after drain, got %s", final.State)
	}
}
