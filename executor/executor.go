package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cloudhut/kbalance/kafka"
)

const brokerHistoryScanInterval = time.Hour

// Executor owns the lifecycle of movement executions against the cluster. At
// most one execution is in flight at a time, a second submission is rejected
// until the first one reached the no-task state again. The executor also
// remembers recently demoted and removed brokers and runs the concurrency
// adjuster alongside an ongoing execution.
type Executor struct {
	cfg    Config
	logger *zap.Logger

	admin            AdminClient
	metadata         MetadataProvider
	loadMonitor      LoadMonitor
	userTasks        UserTaskManager
	anomalyDetectors AnomalyDetectorManager
	notifier         Notifier

	concurrency *ConcurrencyManager
	tracker     *TaskTracker
	adjuster    *concurrencyAdjuster
	minIsrCache *MinIsrCache
	history     *brokerHistory

	// flipMu serializes every transition into or out of an execution. The
	// published state itself is read lock-free.
	flipMu sync.Mutex
	state  atomic.Pointer[ExecutorState]

	stopFlag     atomic.Bool
	userStopFlag atomic.Bool

	// requestedProgressCheckInterval overrides the configured default for
	// future executions. Nil means the default applies.
	requestedProgressCheckInterval atomic.Pointer[time.Duration]

	// runCtx bounds the lifetime of spawned runners and background loops.
	runCtx   context.Context
	runnerWG sync.WaitGroup
}

func NewExecutor(
	cfg Config,
	admin AdminClient,
	metadata MetadataProvider,
	loadMonitor LoadMonitor,
	userTasks UserTaskManager,
	anomalyDetectors AnomalyDetectorManager,
	notifier Notifier,
	logger *zap.Logger,
) *Executor {
	concurrency := NewConcurrencyManager(cfg.Concurrency)
	e := &Executor{
		cfg:              cfg,
		logger:           logger,
		admin:            admin,
		metadata:         metadata,
		loadMonitor:      loadMonitor,
		userTasks:        userTasks,
		anomalyDetectors: anomalyDetectors,
		notifier:         notifier,
		concurrency:      concurrency,
		tracker:          NewTaskTracker(concurrency, logger),
		minIsrCache:      NewMinIsrCache(cfg.MinIsrCache, admin, logger),
		history:          newBrokerHistory(cfg.DemotionHistoryRetention, cfg.RemovalHistoryRetention, logger),
		runCtx:           context.Background(),
	}
	e.adjuster = newConcurrencyAdjuster(
		cfg.ConcurrencyAdjuster,
		concurrency,
		e.minIsrCache,
		e.currentPhase,
		e.stopRequested,
		func(reason string) { e.StopExecution(reason, false) },
		logger)
	e.state.Store(noTaskState(nil, nil))
	return e
}

// Start launches the background loops. The context bounds them and every
// runner spawned for an execution.
func (e *Executor) Start(ctx context.Context) {
	e.runCtx = ctx
	go e.history.runScanner(ctx, brokerHistoryScanInterval)
	go e.adjuster.run(ctx)
}

// Close stops an ongoing execution, waits for its runner to finish the
// cleanup and releases resources not bound to the Start context.
func (e *Executor) Close() {
	e.StopExecution("executor is shutting down", false)
	e.runnerWG.Wait()
	e.minIsrCache.Close()
}

// ExecutionRequest carries everything needed to start one execution. Nil
// concurrency fields fall back to the configured defaults, a nil interval to
// the one set by SetRequestedProgressCheckInterval or else the configured
// default, an empty UUID is generated.
type ExecutionRequest struct {
	Proposals []ExecutionProposal

	UUID            string
	Reason          string
	TriggeredByUser bool

	Strategy ReplicaMovementStrategy

	InterBrokerPerBrokerConcurrency *int
	IntraBrokerPerBrokerConcurrency *int
	LeadershipPerBrokerConcurrency  *int
	LeadershipClusterConcurrency    *int
	ProgressCheckInterval           *time.Duration

	// RemovedBrokers and DemotedBrokers are recorded in the broker history
	// when the execution starts.
	RemovedBrokers []int32
	DemotedBrokers []int32
}

// ExecuteProposals starts a new execution for the given proposals. It returns
// the execution's uuid once the proposals were accepted and the runner was
// spawned, the movements themselves happen asynchronously.
func (e *Executor) ExecuteProposals(ctx context.Context, req ExecutionRequest) (string, error) {
	return e.startExecution(ctx, req, false)
}

// ExecuteDemoteProposals starts an execution that moves leadership away from
// the demoted brokers. The demoted brokers bypass the per-broker admission
// caps and their replica movement concurrency is pinned for the whole
// execution, the adjuster only touches the leadership caps.
func (e *Executor) ExecuteDemoteProposals(ctx context.Context, req ExecutionRequest) (string, error) {
	return e.startExecution(ctx, req, true)
}

func (e *Executor) startExecution(ctx context.Context, req ExecutionRequest, demotion bool) (string, error) {
	if len(req.Proposals) == 0 {
		return "", fmt.Errorf("cannot start an execution without proposals")
	}
	executionUUID := req.UUID
	if executionUUID == "" {
		executionUUID = uuid.NewString()
	}

	e.flipMu.Lock()
	defer e.flipMu.Unlock()

	current := e.state.Load()
	switch current.Phase {
	case PhaseNoTask:
	case PhaseGeneratingProposals:
		if current.UUID != executionUUID {
			return "", &OngoingExecutionError{
				Reason: fmt.Sprintf("proposals are being generated for execution %s", current.UUID),
			}
		}
	default:
		return "", &OngoingExecutionError{
			Reason: fmt.Sprintf("execution %s is still %s", current.UUID, current.Phase),
		}
	}
	if !e.loadMonitor.Ready() {
		return "", fmt.Errorf("cannot start an execution, the load monitor is not ready yet")
	}
	if err := e.sanityCheckNoOngoingMovements(ctx); err != nil {
		return "", err
	}

	nowMs := time.Now().UnixMilli()
	e.state.Store(&ExecutorState{
		Phase:           PhaseStarting,
		UUID:            executionUUID,
		Reason:          req.Reason,
		StartedAtMs:     nowMs,
		TriggeredByUser: req.TriggeredByUser,
	})

	var brokersSkipConcurrency []int32
	if demotion {
		brokersSkipConcurrency = req.DemotedBrokers
	}
	if err := e.tracker.AddProposals(req.Proposals, brokersSkipConcurrency, req.Strategy); err != nil {
		e.revertToNoTaskLocked()
		return "", err
	}

	requested := requestedConcurrency{
		InterBrokerPerBroker: req.InterBrokerPerBrokerConcurrency,
		IntraBrokerPerBroker: req.IntraBrokerPerBrokerConcurrency,
		LeadershipPerBroker:  req.LeadershipPerBrokerConcurrency,
		LeadershipCluster:    req.LeadershipClusterConcurrency,
	}
	if err := e.adjuster.initAdjustment(ctx, e.loadMonitor, requested, demotion); err != nil {
		e.revertToNoTaskLocked()
		return "", fmt.Errorf("failed to initialize the concurrency adjustment: %w", err)
	}

	deadBrokers, err := e.loadMonitor.DeadBrokersWithReplicas(ctx)
	if err != nil {
		e.revertToNoTaskLocked()
		return "", fmt.Errorf("failed to determine dead brokers with replicas: %w", err)
	}

	e.history.recordDemoted(req.DemotedBrokers, nowMs)
	e.history.recordRemoved(req.RemovedBrokers, nowMs)

	requestedInterval := req.ProgressCheckInterval
	if requestedInterval == nil {
		requestedInterval = e.requestedProgressCheckInterval.Load()
	}
	runner := newExecutionRunner(e, executionUUID, req.Reason, req.TriggeredByUser,
		e.loadMonitor, deadBrokers, requestedInterval)
	e.runnerWG.Add(1)
	go func() {
		defer e.runnerWG.Done()
		runner.run(e.runCtx)
	}()
	return executionUUID, nil
}

// sanityCheckNoOngoingMovements rejects a new execution while replicas are
// being moved by anyone, an external agent's reassignments included.
func (e *Executor) sanityCheckNoOngoingMovements(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	ongoing, err := e.admin.ListPartitionReassignments(reqCtx)
	if err != nil {
		return fmt.Errorf("failed to list partition reassignments: %w", err)
	}
	if len(ongoing) > 0 {
		return &OngoingExecutionError{
			Reason: fmt.Sprintf("%d partition reassignments are in flight, possibly submitted by an external agent", len(ongoing)),
		}
	}

	dirCtx, cancelDir := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancelDir()
	hasDirMoves, err := e.admin.HasOngoingLogDirMovements(dirCtx)
	if err != nil {
		return fmt.Errorf("failed to check for ongoing replica directory movements: %w", err)
	}
	if hasDirMoves {
		return &OngoingExecutionError{Reason: "replica directory movements are in flight on at least one broker"}
	}
	return nil
}

// revertToNoTaskLocked undoes a partially initialized submission. The caller
// must hold flipMu.
func (e *Executor) revertToNoTaskLocked() {
	if err := e.tracker.Clear(); err != nil {
		e.logger.Error("failed to clear the task tracker while reverting a submission", zap.Error(err))
	}
	e.adjuster.clearAdjustment()
	e.state.Store(noTaskState(nil, nil))
}

// MarkGeneratingProposals reserves the executor while proposals for an
// upcoming execution are computed. The reservation is released by starting
// the execution under the same uuid or by FailGeneratingProposals.
func (e *Executor) MarkGeneratingProposals(executionUUID, reason string, triggeredByUser bool) error {
	e.flipMu.Lock()
	defer e.flipMu.Unlock()

	current := e.state.Load()
	if current.Phase != PhaseNoTask {
		return &OngoingExecutionError{
			Reason: fmt.Sprintf("execution %s is still %s", current.UUID, current.Phase),
		}
	}
	e.state.Store(&ExecutorState{
		Phase:           PhaseGeneratingProposals,
		UUID:            executionUUID,
		Reason:          reason,
		StartedAtMs:     time.Now().UnixMilli(),
		TriggeredByUser: triggeredByUser,
	})
	return nil
}

// FailGeneratingProposals releases a proposal generation reservation without
// starting an execution. Outside the reservation phase the call is a no-op,
// a mismatching uuid leaves the reservation untouched.
func (e *Executor) FailGeneratingProposals(executionUUID string) {
	e.flipMu.Lock()
	defer e.flipMu.Unlock()

	current := e.state.Load()
	if current.Phase != PhaseGeneratingProposals {
		return
	}
	if current.UUID != executionUUID {
		e.logger.Warn("ignoring a proposal generation failure for a foreign reservation",
			zap.String("uuid", executionUUID),
			zap.String("reserved_uuid", current.UUID))
		return
	}
	e.state.Store(noTaskState(nil, nil))
}

// StopExecution requests the ongoing execution to stop. Pending movements are
// no longer admitted, in-flight inter-broker movements are cancelled and
// rolled back. Returns false when no execution is ongoing. Repeated calls are
// idempotent and the first stop cause wins.
func (e *Executor) StopExecution(reason string, byUser bool) bool {
	phase := e.currentPhase()
	if phase == PhaseNoTask || phase == PhaseGeneratingProposals {
		return false
	}
	if e.stopFlag.CompareAndSwap(false, true) {
		if byUser {
			e.userStopFlag.Store(true)
			executionsStopped.WithLabelValues("user").Inc()
		} else {
			executionsStopped.WithLabelValues("system").Inc()
		}
		e.tracker.SetStopRequested()
		e.logger.Info("stopping the ongoing execution",
			zap.String("reason", reason), zap.Bool("stopped_by_user", byUser))
	}
	return true
}

// UserTriggeredStopExecution stops the ongoing execution on behalf of a user
// and optionally cancels an external agent's reassignments. The external
// cancellation only happens when no local execution was running, a local
// execution owns its reassignments and rolls them back itself.
func (e *Executor) UserTriggeredStopExecution(ctx context.Context, reason string, stopExternalAgent bool) bool {
	stopped := e.StopExecution(reason, true)
	if stopExternalAgent {
		if stopped {
			e.logger.Debug("skipping the external agent cancellation, the ongoing execution rolls back its own reassignments")
		} else if _, err := e.StopExternalAgent(ctx); err != nil {
			e.logger.Warn("failed to cancel the reassignments of an external agent", zap.Error(err))
		}
	}
	return stopped
}

// StopExternalAgent cancels every partition reassignment an external agent
// has in flight. Refused while the executor itself has an ongoing execution,
// its own movements must not be cancelled from outside the runner. Returns
// the number of cancelled reassignments.
func (e *Executor) StopExternalAgent(ctx context.Context) (int, error) {
	e.flipMu.Lock()
	defer e.flipMu.Unlock()

	if e.currentPhase() != PhaseNoTask {
		return 0, &OngoingExecutionError{Reason: "refusing to cancel reassignments while an execution is ongoing"}
	}

	listCtx, cancelList := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancelList()
	ongoing, err := e.admin.ListPartitionReassignments(listCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to list partition reassignments: %w", err)
	}
	if len(ongoing) == 0 {
		return 0, nil
	}

	targets := make(map[kafka.TopicPartition][]int32, len(ongoing))
	for tp := range ongoing {
		targets[tp] = nil
	}
	cancelCtx, cancelReq := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancelReq()
	if _, err := e.admin.AlterPartitionReassignments(cancelCtx, targets); err != nil {
		return 0, fmt.Errorf("failed to cancel the external agent's reassignments: %w", err)
	}
	e.logger.Info("cancelled partition reassignments of an external agent",
		zap.Int("num_reassignments", len(targets)))
	return len(targets), nil
}

// clearCompletedExecution resets the executor to the no-task state once the
// runner finished its cleanup.
func (e *Executor) clearCompletedExecution() {
	e.flipMu.Lock()
	defer e.flipMu.Unlock()

	if err := e.tracker.Clear(); err != nil {
		e.logger.Error("failed to clear the task tracker", zap.Error(err))
	}
	e.adjuster.clearAdjustment()
	e.loadMonitor.SetSamplingMode(SamplingModeAll)
	e.stopFlag.Store(false)
	e.userStopFlag.Store(false)
	e.state.Store(noTaskState(nil, nil))
}

// State returns a point-in-time view of the executor, decorated with the
// current task and concurrency summaries of an ongoing execution.
func (e *Executor) State() *ExecutorState {
	state := *e.state.Load()
	state.RecentlyDemotedBrokers = e.history.recentlyDemotedBrokers()
	state.RecentlyRemovedBrokers = e.history.recentlyRemovedBrokers()
	switch state.Phase {
	case PhaseNoTask, PhaseGeneratingProposals:
	default:
		state.Tasks = e.tracker.Summary()
		state.InterBrokerConcurrency = e.concurrency.Summary(ConcurrencyInterBrokerReplica)
		state.IntraBrokerConcurrency = e.concurrency.Summary(ConcurrencyIntraBrokerReplica)
		state.LeadershipConcurrency = e.concurrency.Summary(ConcurrencyLeadershipBroker)
		state.LeadershipClusterCap = e.concurrency.ClusterCap(ConcurrencyLeadershipCluster)
	}
	return &state
}

// HasOngoingExecution reports whether an execution or a proposal generation
// reservation is in flight.
func (e *Executor) HasOngoingExecution() bool {
	return e.currentPhase() != PhaseNoTask
}

func (e *Executor) currentPhase() Phase {
	return e.state.Load().Phase
}

func (e *Executor) stopRequested() bool {
	return e.stopFlag.Load()
}

func (e *Executor) stoppedByUser() bool {
	return e.userStopFlag.Load()
}

func (e *Executor) requestStop(reason string) {
	e.StopExecution(reason, false)
}

// transitionTo publishes a new phase while keeping the execution's identity.
func (e *Executor) transitionTo(phase Phase) {
	current := e.state.Load()
	e.state.Store(&ExecutorState{
		Phase:           phase,
		UUID:            current.UUID,
		Reason:          current.Reason,
		StartedAtMs:     current.StartedAtMs,
		TriggeredByUser: current.TriggeredByUser,
	})
	e.logger.Info("execution phase changed", zap.String("phase", phase.String()))
}

// SetExecutionConcurrency overwrites the ongoing execution's cap uniformly
// for the given dimension. Returns the effective clamped value.
func (e *Executor) SetExecutionConcurrency(concurrency int, concurrencyType ConcurrencyType) (int, error) {
	if !e.concurrency.IsInitialized() {
		return 0, fmt.Errorf("no ongoing execution to adjust the concurrency of")
	}
	effective, err := e.concurrency.SetForAllBrokersOrCluster(concurrency, concurrencyType)
	if err != nil {
		return 0, err
	}
	e.logger.Info("execution concurrency changed by request",
		zap.String("concurrency_type", concurrencyType.String()),
		zap.Int("concurrency", effective))
	return effective, nil
}

// SetRequestedProgressCheckInterval overrides the progress check interval of
// future executions. A nil interval restores the configured default, a value
// below the configured minimum is rejected.
func (e *Executor) SetRequestedProgressCheckInterval(interval *time.Duration) error {
	if interval == nil {
		e.requestedProgressCheckInterval.Store(nil)
		return nil
	}
	if *interval < e.cfg.MinProgressCheckInterval {
		return fmt.Errorf("progress check interval %s is below the minimum of %s",
			*interval, e.cfg.MinProgressCheckInterval)
	}
	e.requestedProgressCheckInterval.Store(interval)
	return nil
}

// InExecutionTasks lists the tasks currently in progress or aborting,
// optionally filtered by task type.
func (e *Executor) InExecutionTasks(types ...TaskType) []*ExecutionTask {
	return e.tracker.InExecutionTasks(types...)
}

// ConcurrencyManagerInitialized reports whether an execution primed the
// concurrency caps.
func (e *Executor) ConcurrencyManagerInitialized() bool {
	return e.concurrency.IsInitialized()
}

// ConcurrencyAdjusterStarted reports whether the adjuster is attached to an
// ongoing execution.
func (e *Executor) ConcurrencyAdjusterStarted() bool {
	return e.adjuster.isStarted()
}

// SetConcurrencyAdjusterEnabled toggles the adjuster for one dimension and
// returns the now-effective value.
func (e *Executor) SetConcurrencyAdjusterEnabled(concurrencyType ConcurrencyType, enabled bool) bool {
	return e.adjuster.setEnabled(concurrencyType, enabled)
}

// SetMinIsrCheckEnabled toggles the adjuster's ISR health evaluation.
func (e *Executor) SetMinIsrCheckEnabled(enabled bool) bool {
	return e.adjuster.setMinIsrCheckEnabled(enabled)
}

// RecentlyDemotedBrokers lists brokers with unexpired demotion history.
func (e *Executor) RecentlyDemotedBrokers() []int32 {
	return e.history.recentlyDemotedBrokers()
}

// RecentlyRemovedBrokers lists brokers with unexpired removal history.
func (e *Executor) RecentlyRemovedBrokers() []int32 {
	return e.history.recentlyRemovedBrokers()
}

// PinDemotedBrokers marks brokers as permanently demoted until dropped.
func (e *Executor) PinDemotedBrokers(brokers []int32) {
	e.history.pinDemoted(brokers)
}

// PinRemovedBrokers marks brokers as permanently removed until dropped.
func (e *Executor) PinRemovedBrokers(brokers []int32) {
	e.history.pinRemoved(brokers)
}

// DropRecentlyDemotedBrokers forgets the brokers' demotion history. Returns
// whether any entry was removed.
func (e *Executor) DropRecentlyDemotedBrokers(brokers []int32) bool {
	return e.history.dropDemoted(brokers)
}

// DropRecentlyRemovedBrokers forgets the brokers' removal history. Returns
// whether any entry was removed.
func (e *Executor) DropRecentlyRemovedBrokers(brokers []int32) bool {
	return e.history.dropRemoved(brokers)
}
