package gojta

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/xiaoxuxiansheng/gojta/log"
)

// TXManager 把应用层的事务划分操作翻译为对外部 2PC 协调者的调用
// 1. 状态以协调者为准，每次操作前重新读取
// 2. 协调者错误统一翻译为 TransactionError
// 3. 事务完成回调通过插入式同步交给协调者触发
type TXManager struct {
	coordinator Coordinator
	opts        *Options
	registry    *ResourceAssociationRegistry
	metrics     *metrics
	tracer      *tracer
}

func NewTXManager(coordinator Coordinator, opts ...Option) *TXManager {
	options := newOptions(opts...)
	return &TXManager{
		coordinator: coordinator,
		opts:        options,
		registry:    NewResourceAssociationRegistry(),
		metrics:     newMetrics(options.Registerer),
		tracer:      newTracer(options.TracerProvider),
	}
}

func (t *TXManager) Coordinator() Coordinator {
	return t.coordinator
}

// Registry 该 manager 下所有连接池共享的资源关联表
func (t *TXManager) Registry() *ResourceAssociationRegistry {
	return t.registry
}

// NewHandle ctx 中已有事务时返回其 handle，否则返回一个未绑定的新 handle
func (t *TXManager) NewHandle(ctx context.Context) *TransactionHandle {
	if h := HandleFromContext(ctx); h != nil {
		return h
	}
	return newTransactionHandle()
}

// Begin 开启一笔协调者事务并绑定到 h，返回携带 h 的 ctx
func (t *TXManager) Begin(ctx context.Context, h *TransactionHandle, definition Definition) (_ context.Context, err error) {
	if definition.Isolation != IsolationDefault {
		return nil, newError(KindCannotCreateTransaction, "custom isolation levels are not supported", nil)
	}
	if h == nil {
		h = newTransactionHandle()
	}
	if h.Transaction() != nil {
		return nil, newError(KindIllegalTransactionState, "transaction handle is already bound", nil)
	}

	sctx, span := t.tracer.start(ctx, "begin", "")
	defer func() { end(span, err) }()

	var timeoutChanged bool
	if timeout := t.determineTimeout(definition); timeout > 0 {
		if err := t.coordinator.SetTransactionTimeout(sctx, int(math.Ceil(timeout.Seconds()))); err != nil {
			return nil, newError(KindCannotCreateTransaction, "failed to set the transaction timeout", err)
		}
		timeoutChanged = true
	}

	tx, err := t.coordinator.Begin(sctx)
	if err != nil {
		t.resetTimeout(sctx, timeoutChanged)
		if errors.Is(err, ErrNotSupported) {
			return nil, newError(KindNestedTransactionNotSupported, "nested transactions are not supported", err)
		}
		return nil, newError(KindCannotCreateTransaction, "failed to begin the transaction", err)
	}
	// h 已被并发绑定到另一笔事务，回滚刚开启的事务，不改动 h 上的超时标记
	if !h.bind(tx) {
		if rbErr := tx.Rollback(sctx); rbErr != nil {
			log.ErrorContextf(sctx, "rollback of unbound transaction %s failed, err: %v", tx.ID(), rbErr)
		}
		t.resetTimeout(sctx, timeoutChanged)
		return nil, newError(KindIllegalTransactionState, "transaction handle is already bound", nil)
	}
	h.timeoutWasChanged = timeoutChanged

	ctx = log.ContextWithFields(ctx, "tx_id", tx.ID())
	log.DebugContextf(ctx, "transaction began, name: %s, timeout: %v", definition.Name, definition.Timeout)
	return ContextWithHandle(ctx, h), nil
}

func (t *TXManager) determineTimeout(definition Definition) time.Duration {
	if definition.Timeout != TimeoutDefault {
		return definition.Timeout
	}
	return t.opts.DefaultTimeout
}

// Commit ROLLED_BACK 时先补一次回滚清理协调者状态，再返回 UnexpectedRollback
func (t *TXManager) Commit(ctx context.Context, h *TransactionHandle) (err error) {
	tx := h.Transaction()
	if tx == nil {
		return newError(KindNoTransaction, "no transaction found", nil)
	}

	ctx, span := t.tracer.start(ctx, "commit", tx.ID())
	defer func() { end(span, err) }()

	status, err := tx.Status(ctx)
	if err != nil {
		t.metrics.completed(OutcomeUnknown)
		return newError(KindTransactionSystem, "failed to read the transaction status", err)
	}

	check := checkStatus(status)
	switch check.kind {
	case checkNoTransaction:
		return newError(KindNoTransaction, "no transaction found", nil)
	case checkRolledBack:
		if err := tx.Rollback(ctx); err != nil {
			if !errors.Is(err, ErrIllegalState) {
				t.metrics.completed(OutcomeUnknown)
				return newError(KindTransactionSystem, "failed to commit the transaction", err)
			}
			log.DebugContextf(ctx, "rollback failure with transaction already marked as rolled back, err: %v", err)
		}
		t.metrics.completed(OutcomeRolledBack)
		return newError(KindUnexpectedRollback, "transaction already rolled back", nil)
	case checkHeuristic:
		t.metrics.heuristic()
		return newError(KindTransactionSystem, "transaction already completed with a heuristic "+string(check.heuristic)+" outcome", nil)
	}

	if err = tx.Commit(ctx); err == nil {
		t.metrics.completed(OutcomeCommitted)
		return nil
	}

	switch {
	case errors.Is(err, ErrRollback):
		t.metrics.completed(OutcomeRolledBack)
		return newError(KindUnexpectedRollback, "transaction unexpectedly rolled back", err)
	case errors.Is(err, ErrHeuristicMixed):
		t.metrics.heuristic()
		return newError(KindTransactionSystem, "failed to fully commit the transaction as a result of a heuristic decision", err)
	case errors.Is(err, ErrHeuristicRollback):
		t.metrics.heuristic()
		return newError(KindTransactionSystem, "transaction was rolled back as a result of a heuristic decision", err)
	case errors.Is(err, ErrHeuristicHazard):
		t.metrics.heuristic()
		return newError(KindTransactionSystem, "outcome of the transaction is in doubt as a result of a heuristic decision", err)
	case errors.Is(err, ErrIllegalState):
		t.metrics.completed(OutcomeUnknown)
		return newError(KindTransactionSystem, "failed to commit the transaction as a result of an unexpected internal transaction state", err)
	default:
		t.metrics.completed(OutcomeUnknown)
		return newError(KindTransactionSystem, "failed to commit the transaction", err)
	}
}

func (t *TXManager) Rollback(ctx context.Context, h *TransactionHandle) (err error) {
	tx := h.Transaction()
	if tx == nil {
		return newError(KindNoTransaction, "no transaction found", nil)
	}

	ctx, span := t.tracer.start(ctx, "rollback", tx.ID())
	defer func() { end(span, err) }()

	status, err := tx.Status(ctx)
	if err != nil {
		return newError(KindTransactionSystem, "failed to read the transaction status", err)
	}
	if checkStatus(status).kind == checkNoTransaction {
		return newError(KindNoTransaction, "no transaction found", nil)
	}

	if err = tx.Rollback(ctx); err != nil {
		t.metrics.completed(OutcomeUnknown)
		if errors.Is(err, ErrIllegalState) {
			return newError(KindTransactionSystem, "failed to rollback the transaction as a result of an unexpected internal transaction state", err)
		}
		return newError(KindTransactionSystem, "failed to rollback the transaction", err)
	}
	t.metrics.completed(OutcomeRolledBack)
	return nil
}

// SetRollbackOnly 已回滚的事务直接忽略
func (t *TXManager) SetRollbackOnly(ctx context.Context, h *TransactionHandle) error {
	tx := h.Transaction()
	if tx == nil {
		return newError(KindNoTransaction, "no transaction found", nil)
	}

	status, err := tx.Status(ctx)
	if err != nil {
		return newError(KindTransactionSystem, "failed to read the transaction status", err)
	}
	switch checkStatus(status).kind {
	case checkNoTransaction:
		return newError(KindNoTransaction, "no transaction found", nil)
	case checkRolledBack:
		return nil
	}

	log.DebugContextf(ctx, "setting transaction rollback-only")
	if err := tx.SetRollbackOnly(ctx); err != nil {
		if errors.Is(err, ErrIllegalState) {
			return newError(KindTransactionSystem, "failed to flag the transaction for rollback only as a result of an unexpected internal transaction state", err)
		}
		return newError(KindTransactionSystem, "failed to flag the transaction for rollback only", err)
	}
	return nil
}

// SuspendedState 挂起事务的凭证，只能被产生它的 manager 恢复一次
type SuspendedState struct {
	owner    *TXManager
	handle   *TransactionHandle
	token    Transaction
	prev     *SuspendedState
	consumed bool
}

// Handle 被挂起的事务 handle
func (s *SuspendedState) Handle() *TransactionHandle {
	if s == nil {
		return nil
	}
	return s.handle
}

type suspendedKey struct{}

func suspendedFromContext(ctx context.Context) *SuspendedState {
	state, _ := ctx.Value(suspendedKey{}).(*SuspendedState)
	return state
}

// Suspend 挂起 h 对应的事务，返回不再携带事务的 ctx
func (t *TXManager) Suspend(ctx context.Context, h *TransactionHandle) (_ context.Context, _ *SuspendedState, err error) {
	tx := h.Transaction()
	if tx == nil {
		return nil, nil, newError(KindNoTransaction, "no transaction found", nil)
	}

	sctx, span := t.tracer.start(ctx, "suspend", tx.ID())
	defer func() { end(span, err) }()

	status, err := tx.Status(sctx)
	if err != nil {
		return nil, nil, newError(KindTransactionSystem, "failed to read the transaction status", err)
	}
	if checkStatus(status).kind == checkNoTransaction {
		return nil, nil, newError(KindNoTransaction, "no transaction found", nil)
	}

	token, err := t.coordinator.Suspend(sctx, tx)
	if err != nil {
		if errors.Is(err, ErrIllegalState) {
			return nil, nil, newError(KindTransactionSystem, "failed to suspend the transaction as a result of an unexpected internal transaction state", err)
		}
		return nil, nil, newError(KindTransactionSystem, "failed to suspend the transaction", err)
	}

	state := &SuspendedState{
		owner:  t,
		handle: h,
		token:  token,
		prev:   suspendedFromContext(ctx),
	}
	ctx = context.WithValue(ContextWithoutHandle(ctx), suspendedKey{}, state)
	return ctx, state, nil
}

// Resume 恢复挂起的事务，挂起/恢复必须按 LIFO 成对出现，返回重新携带事务的 ctx
func (t *TXManager) Resume(ctx context.Context, state *SuspendedState) (_ context.Context, err error) {
	if state == nil || state.owner != t {
		return nil, newError(KindIllegalTransactionState, "suspended state was not produced by this transaction manager", nil)
	}
	if state.consumed {
		return nil, newError(KindIllegalTransactionState, "suspended state was already resumed", nil)
	}
	if top := suspendedFromContext(ctx); top != state {
		return nil, newError(KindIllegalTransactionState, "suspend and resume must be strictly nested", nil)
	}

	sctx, span := t.tracer.start(ctx, "resume", state.handle.ID())
	defer func() { end(span, err) }()

	// 恢复失败时 state 保持可用，调用方可以重试
	if err := t.coordinator.Resume(sctx, state.token); err != nil {
		switch {
		case errors.Is(err, ErrInvalidTransaction):
			return nil, newError(KindIllegalTransactionState, "tried to resume an invalid transaction", err)
		case errors.Is(err, ErrIllegalState):
			return nil, newError(KindTransactionSystem, "failed to resume the transaction as a result of an unexpected internal transaction state", err)
		default:
			return nil, newError(KindTransactionSystem, "failed to resume the transaction", err)
		}
	}

	state.consumed = true
	ctx = context.WithValue(ctx, suspendedKey{}, state.prev)
	return ContextWithHandle(ctx, state.handle), nil
}

// CleanupAfterCompletion 恢复协调者默认超时，失败只记录日志
func (t *TXManager) CleanupAfterCompletion(ctx context.Context, h *TransactionHandle) {
	if h == nil || !h.timeoutWasChanged {
		return
	}
	h.timeoutWasChanged = false
	t.resetTimeout(ctx, true)
}

func (t *TXManager) resetTimeout(ctx context.Context, changed bool) {
	if !changed {
		return
	}
	if err := t.coordinator.SetTransactionTimeout(ctx, 0); err != nil {
		log.DebugContextf(ctx, "failed to reset transaction timeout after completing the transaction, err: %v", err)
	}
}

func (t *TXManager) IsExistingTransaction(ctx context.Context, h *TransactionHandle) (bool, error) {
	exists, err := transactionExists(ctx, h)
	if err != nil {
		return false, newError(KindTransactionSystem, "failed to read the transaction status", err)
	}
	return exists, nil
}

// IsRollbackOnly MARKED_ROLLBACK 与 ROLLED_BACK 都视为 rollback-only
func (t *TXManager) IsRollbackOnly(ctx context.Context, h *TransactionHandle) (bool, error) {
	status, err := h.status(ctx)
	if err != nil {
		return false, newError(KindTransactionSystem, "failed to read the transaction status", err)
	}
	return checkStatus(status).rollbackOnly(), nil
}

// RegisterAfterCompletion 把监听器挂到一笔不由本 manager 开启的事务上。
// 无法注册时立即以 UNKNOWN 或 ROLLED_BACK 通知监听器
func (t *TXManager) RegisterAfterCompletion(ctx context.Context, h *TransactionHandle, listeners []TransactionSynchronization) error {
	dispatcher := newAfterCompletionDispatcher(ctx, listeners, t.metrics)

	tx := h.Transaction()
	if tx == nil {
		log.WarnContextf(ctx, "no transaction found, invoking after completion synchronizations with outcome unknown")
		return dispatcher.Dispatch(ctx, StatusUnknown)
	}

	status, err := tx.Status(ctx)
	if err != nil {
		log.WarnContextf(ctx, "failed to read the transaction status, invoking after completion synchronizations with outcome unknown, err: %v", err)
		return dispatcher.Dispatch(ctx, StatusUnknown)
	}
	switch checkStatus(status).kind {
	case checkNoTransaction:
		log.WarnContextf(ctx, "no transaction found, invoking after completion synchronizations with outcome unknown")
		return dispatcher.Dispatch(ctx, StatusUnknown)
	case checkRolledBack:
		log.WarnContextf(ctx, "participating in a transaction that has been rolled back, invoking after completion synchronizations with outcome rolled back")
		return dispatcher.Dispatch(ctx, StatusRolledBack)
	}

	if err := tx.RegisterInterposedSynchronization(ctx, dispatcher); err != nil {
		if errors.Is(err, ErrRollback) {
			log.WarnContextf(ctx, "participating in a transaction that has been marked for rollback, invoking after completion synchronizations with outcome rolled back, err: %v", err)
			return dispatcher.Dispatch(ctx, StatusRolledBack)
		}
		log.WarnContextf(ctx, "unexpected internal transaction state, invoking after completion synchronizations with outcome unknown, err: %v", err)
		return dispatcher.Dispatch(ctx, StatusUnknown)
	}
	return nil
}

// InvokeAfterCompletion 立即以 status 通知监听器，失败合并返回并计入指标
func (t *TXManager) InvokeAfterCompletion(ctx context.Context, listeners []TransactionSynchronization, status Status) error {
	return newAfterCompletionDispatcher(ctx, listeners, t.metrics).Dispatch(ctx, status)
}

// Connection 从配置的数据源取连接，要求 ctx 中存在事务
func (t *TXManager) Connection(ctx context.Context) (Conn, error) {
	return t.ConnectionFor(ctx, HandleFromContext(ctx))
}

func (t *TXManager) ConnectionFor(ctx context.Context, h *TransactionHandle) (Conn, error) {
	exists, err := t.IsExistingTransaction(ctx, h)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, newError(KindTransactionSystem, "failed to retrieve a connection without an existing transaction", nil)
	}
	if t.opts.DataSource == nil {
		return nil, newError(KindTransactionSystem, "no data source is associated with the transaction manager", nil)
	}

	// 数据源打开的连接由数据源自己完成关联，这里不再登记
	conn, err := t.opts.DataSource.Conn(ContextWithHandle(ctx, h))
	if err != nil {
		return nil, newError(KindTransactionSystem, "failed to retrieve the connection from the data source", err)
	}
	return conn, nil
}

func (t *TXManager) ShouldCommitOnGlobalRollbackOnly() bool {
	return true
}

func (t *TXManager) UseSavepointForNestedTransaction() bool {
	return false
}

func (t *TXManager) FailEarlyOnGlobalRollbackOnly() bool {
	return t.opts.FailEarlyOnGlobalRollbackOnly
}

func (t *TXManager) NestedTransactionAllowed() bool {
	return t.opts.NestedTransactionAllowed
}
