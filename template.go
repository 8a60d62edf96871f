package gojta

import (
	"context"
	"errors"

	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/gojta/log"
)

// TXAdapter TXTemplate 依赖的事务能力，TXManager 是其实现
type TXAdapter interface {
	NewHandle(ctx context.Context) *TransactionHandle
	IsExistingTransaction(ctx context.Context, h *TransactionHandle) (bool, error)
	IsRollbackOnly(ctx context.Context, h *TransactionHandle) (bool, error)
	Begin(ctx context.Context, h *TransactionHandle, definition Definition) (context.Context, error)
	Commit(ctx context.Context, h *TransactionHandle) error
	Rollback(ctx context.Context, h *TransactionHandle) error
	SetRollbackOnly(ctx context.Context, h *TransactionHandle) error
	Suspend(ctx context.Context, h *TransactionHandle) (context.Context, *SuspendedState, error)
	Resume(ctx context.Context, state *SuspendedState) (context.Context, error)
	CleanupAfterCompletion(ctx context.Context, h *TransactionHandle)
	RegisterAfterCompletion(ctx context.Context, h *TransactionHandle, listeners []TransactionSynchronization) error
	InvokeAfterCompletion(ctx context.Context, listeners []TransactionSynchronization, status Status) error
	ShouldCommitOnGlobalRollbackOnly() bool
	UseSavepointForNestedTransaction() bool
	FailEarlyOnGlobalRollbackOnly() bool
	NestedTransactionAllowed() bool
}

var _ TXAdapter = (*TXManager)(nil)

// TXStatus 一次 GetTransaction 得到的事务作用域
type TXStatus struct {
	handle         *TransactionHandle
	definition     Definition
	newTransaction bool
	// 本作用域自己持有的回调集合，参与外层事务时为 nil
	scope *synchronizationScope
	// 被本作用域挂起的外层事务，以及恢复时使用的 ctx
	suspended    *SuspendedState
	suspendedCtx context.Context

	localRollbackOnly bool
	completed         bool
}

func (s *TXStatus) Handle() *TransactionHandle {
	return s.handle
}

// HasTransaction 是否处于一笔协调者事务中
func (s *TXStatus) HasTransaction() bool {
	return s.handle.Transaction() != nil
}

func (s *TXStatus) IsNewTransaction() bool {
	return s.HasTransaction() && s.newTransaction
}

// SetRollbackOnly 只标记本作用域，完成时按回滚处理
func (s *TXStatus) SetRollbackOnly() {
	s.localRollbackOnly = true
}

func (s *TXStatus) IsLocalRollbackOnly() bool {
	return s.localRollbackOnly
}

func (s *TXStatus) IsCompleted() bool {
	return s.completed
}

type statusKey struct{}

// StatusFromContext 当前最内层的事务作用域
func StatusFromContext(ctx context.Context) *TXStatus {
	status, _ := ctx.Value(statusKey{}).(*TXStatus)
	return status
}

// TXTemplate 与具体协调者无关的事务执行驱动：传播行为、回滚规则、回调触发
type TXTemplate struct {
	adapter TXAdapter
}

func NewTXTemplate(adapter TXAdapter) *TXTemplate {
	return &TXTemplate{adapter: adapter}
}

// Execute 在 definition 描述的事务作用域中执行 f。
// f 返回错误时默认回滚，NoRollbackFor 命中的错误仍然提交；panic 回滚后继续抛出
func (t *TXTemplate) Execute(ctx context.Context, definition Definition, f func(ctx context.Context) error) (err error) {
	txCtx, status, err := t.GetTransaction(ctx, definition)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := t.Rollback(txCtx, status); rbErr != nil {
				log.ErrorContextf(txCtx, "rollback after panic failed, err: %v", rbErr)
			}
			panic(r)
		}
	}()

	if err = f(txCtx); err != nil {
		if definition.rollbackOn(err) {
			if rbErr := t.Rollback(txCtx, status); rbErr != nil {
				log.ErrorContextf(txCtx, "application error overridden by rollback error, err: %v", err)
				return multierr.Append(err, rbErr)
			}
			return err
		}
		if cmErr := t.Commit(txCtx, status); cmErr != nil {
			log.ErrorContextf(txCtx, "application error overridden by commit error, err: %v", err)
			return multierr.Append(err, cmErr)
		}
		return err
	}

	return t.Commit(txCtx, status)
}

// GetTransaction 按传播行为加入、新建或挂起事务，返回的 ctx 需要传给 Commit/Rollback
func (t *TXTemplate) GetTransaction(ctx context.Context, definition Definition) (context.Context, *TXStatus, error) {
	if definition.Timeout < TimeoutDefault {
		return nil, nil, newError(KindCannotCreateTransaction, "invalid transaction timeout", nil)
	}

	h := t.adapter.NewHandle(ctx)
	exists, err := t.adapter.IsExistingTransaction(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return t.handleExistingTransaction(ctx, definition, h)
	}

	switch definition.Propagation {
	case PropagationMandatory:
		return nil, nil, newError(KindIllegalTransactionState, "no existing transaction found for transaction marked with propagation 'mandatory'", nil)
	case PropagationRequired, PropagationRequiresNew, PropagationNested:
		return t.startTransaction(ctx, definition, nil, nil)
	default:
		// SUPPORTS / NOT_SUPPORTED / NEVER：空事务，只有回调作用域
		return t.emptyTransaction(ContextWithoutHandle(ctx), definition, nil, nil)
	}
}

func (t *TXTemplate) handleExistingTransaction(ctx context.Context, definition Definition, h *TransactionHandle) (context.Context, *TXStatus, error) {
	switch definition.Propagation {
	case PropagationNever:
		return nil, nil, newError(KindIllegalTransactionState, "existing transaction found for transaction marked with propagation 'never'", nil)

	case PropagationNotSupported:
		suspendedCtx, suspended, err := t.adapter.Suspend(ctx, h)
		if err != nil {
			return nil, nil, err
		}
		return t.emptyTransaction(suspendedCtx, definition, suspended, suspendedCtx)

	case PropagationRequiresNew:
		suspendedCtx, suspended, err := t.adapter.Suspend(ctx, h)
		if err != nil {
			return nil, nil, err
		}
		txCtx, status, err := t.startTransaction(suspendedCtx, definition, suspended, suspendedCtx)
		if err != nil {
			if _, resumeErr := t.adapter.Resume(suspendedCtx, suspended); resumeErr != nil {
				log.ErrorContextf(ctx, "resume after begin failure failed, err: %v", resumeErr)
				return nil, nil, multierr.Append(err, resumeErr)
			}
			return nil, nil, err
		}
		return txCtx, status, nil

	case PropagationNested:
		if !t.adapter.NestedTransactionAllowed() {
			return nil, nil, newError(KindNestedTransactionNotSupported, "transaction manager does not allow nested transactions by default", nil)
		}
		if t.adapter.UseSavepointForNestedTransaction() {
			return nil, nil, newError(KindNestedTransactionNotSupported, "savepoints are not supported", nil)
		}
		// 不使用 savepoint：以一笔新的扁平事务实现嵌套
		return t.startTransaction(ctx, definition, nil, nil)
	}

	// REQUIRED / SUPPORTS / MANDATORY：参与现有事务
	if t.adapter.FailEarlyOnGlobalRollbackOnly() {
		rollbackOnly, err := t.adapter.IsRollbackOnly(ctx, h)
		if err != nil {
			return nil, nil, err
		}
		if rollbackOnly {
			return nil, nil, newError(KindUnexpectedRollback, "transaction has been marked as rollback-only", nil)
		}
	}

	status := &TXStatus{handle: h, definition: definition}
	// 外部开启的事务没有回调作用域，完成时把回调转交给协调者
	if scopeFromContext(ctx) == nil {
		status.scope = &synchronizationScope{}
		ctx = contextWithScope(ctx, status.scope)
	}
	return context.WithValue(ctx, statusKey{}, status), status, nil
}

func (t *TXTemplate) startTransaction(ctx context.Context, definition Definition, suspended *SuspendedState, suspendedCtx context.Context) (context.Context, *TXStatus, error) {
	h := newTransactionHandle()
	txCtx, err := t.adapter.Begin(ctx, h, definition)
	if err != nil {
		return nil, nil, err
	}

	status := &TXStatus{
		handle:         h,
		definition:     definition,
		newTransaction: true,
		scope:          &synchronizationScope{},
		suspended:      suspended,
		suspendedCtx:   suspendedCtx,
	}
	txCtx = contextWithScope(txCtx, status.scope)
	return context.WithValue(txCtx, statusKey{}, status), status, nil
}

func (t *TXTemplate) emptyTransaction(ctx context.Context, definition Definition, suspended *SuspendedState, suspendedCtx context.Context) (context.Context, *TXStatus, error) {
	status := &TXStatus{
		handle:       nil,
		definition:   definition,
		scope:        &synchronizationScope{},
		suspended:    suspended,
		suspendedCtx: suspendedCtx,
	}
	ctx = contextWithScope(ctx, status.scope)
	return context.WithValue(ctx, statusKey{}, status), status, nil
}

// Commit 完成作用域。本地 rollback-only 时改为回滚；
// 全局 rollback-only 仍然走提交流程，由协调者给出 UnexpectedRollback
func (t *TXTemplate) Commit(ctx context.Context, status *TXStatus) error {
	if status.completed {
		return newError(KindIllegalTransactionState, "transaction is already completed, do not call commit or rollback more than once per transaction", nil)
	}
	if status.localRollbackOnly {
		log.DebugContextf(ctx, "transactional code has requested rollback")
		return t.processRollback(ctx, status, false)
	}
	if !t.adapter.ShouldCommitOnGlobalRollbackOnly() {
		globalRollbackOnly, err := t.globalRollbackOnly(ctx, status)
		if err != nil {
			return err
		}
		if globalRollbackOnly {
			return t.processRollback(ctx, status, true)
		}
	}
	return t.processCommit(ctx, status)
}

func (t *TXTemplate) Rollback(ctx context.Context, status *TXStatus) error {
	if status.completed {
		return newError(KindIllegalTransactionState, "transaction is already completed, do not call commit or rollback more than once per transaction", nil)
	}
	return t.processRollback(ctx, status, false)
}

func (t *TXTemplate) processCommit(ctx context.Context, status *TXStatus) (err error) {
	defer func() {
		err = multierr.Append(err, t.cleanupAfterCompletion(ctx, status))
	}()

	listeners := status.listeners()
	if err := triggerBeforeCommit(ctx, listeners, status.definition.ReadOnly); err != nil {
		return t.rollbackOnCommitError(ctx, status, err)
	}
	triggerBeforeCompletion(ctx, listeners)

	var unexpectedRollback bool
	if status.IsNewTransaction() {
		if unexpectedRollback, err = t.globalRollbackOnly(ctx, status); err != nil {
			_ = t.triggerAfterCompletion(ctx, status, StatusUnknown)
			return err
		}
		if err := t.adapter.Commit(ctx, status.handle); err != nil {
			if errors.Is(err, ErrUnexpectedRollback) {
				_ = t.triggerAfterCompletion(ctx, status, StatusRolledBack)
			} else {
				_ = t.triggerAfterCompletion(ctx, status, StatusUnknown)
			}
			return err
		}
	} else if status.HasTransaction() && t.adapter.FailEarlyOnGlobalRollbackOnly() {
		if unexpectedRollback, err = t.globalRollbackOnly(ctx, status); err != nil {
			_ = t.triggerAfterCompletion(ctx, status, StatusUnknown)
			return err
		}
	}

	if unexpectedRollback {
		_ = t.triggerAfterCompletion(ctx, status, StatusRolledBack)
		return newError(KindUnexpectedRollback, "transaction silently rolled back because it has been marked as rollback-only", nil)
	}

	// 事务已提交，监听器失败作为附带错误返回
	return t.triggerAfterCompletion(ctx, status, StatusCommitted)
}

func (t *TXTemplate) processRollback(ctx context.Context, status *TXStatus, unexpected bool) (err error) {
	defer func() {
		err = multierr.Append(err, t.cleanupAfterCompletion(ctx, status))
	}()

	triggerBeforeCompletion(ctx, status.listeners())

	switch {
	case status.IsNewTransaction():
		if err := t.adapter.Rollback(ctx, status.handle); err != nil {
			_ = t.triggerAfterCompletion(ctx, status, StatusUnknown)
			return err
		}
	case status.HasTransaction():
		// 参与方失败一律把全局事务标记为 rollback-only
		log.DebugContextf(ctx, "participating transaction failed, marking existing transaction as rollback-only")
		if err := t.adapter.SetRollbackOnly(ctx, status.handle); err != nil {
			_ = t.triggerAfterCompletion(ctx, status, StatusUnknown)
			return err
		}
		if !t.adapter.FailEarlyOnGlobalRollbackOnly() {
			unexpected = false
		}
	}

	listenerErr := t.triggerAfterCompletion(ctx, status, StatusRolledBack)
	if unexpected {
		return newError(KindUnexpectedRollback, "transaction rolled back because it has been marked as rollback-only", nil)
	}
	return listenerErr
}

// rollbackOnCommitError BeforeCommit 回调失败时回滚
func (t *TXTemplate) rollbackOnCommitError(ctx context.Context, status *TXStatus, cause error) error {
	if status.IsNewTransaction() {
		if err := t.adapter.Rollback(ctx, status.handle); err != nil {
			log.ErrorContextf(ctx, "commit error overridden by rollback error, err: %v", cause)
			_ = t.triggerAfterCompletion(ctx, status, StatusUnknown)
			return multierr.Append(cause, err)
		}
	} else if status.HasTransaction() {
		if err := t.adapter.SetRollbackOnly(ctx, status.handle); err != nil {
			log.ErrorContextf(ctx, "commit error overridden by rollback error, err: %v", cause)
		}
	}
	_ = t.triggerAfterCompletion(ctx, status, StatusRolledBack)
	return cause
}

func (t *TXTemplate) globalRollbackOnly(ctx context.Context, status *TXStatus) (bool, error) {
	if !status.HasTransaction() {
		return false, nil
	}
	return t.adapter.IsRollbackOnly(ctx, status.handle)
}

// triggerAfterCompletion 新事务与空事务由本作用域直接通知，返回监听器的失败；
// 参与外部事务时把回调注册给协调者，等外部事务结束再通知
func (t *TXTemplate) triggerAfterCompletion(ctx context.Context, status *TXStatus, completion Status) error {
	if status.scope == nil {
		return nil
	}
	listeners := status.scope.snapshot()
	if len(listeners) == 0 {
		return nil
	}

	if status.IsNewTransaction() || !status.HasTransaction() {
		return t.adapter.InvokeAfterCompletion(ctx, listeners, completion)
	}
	if err := t.adapter.RegisterAfterCompletion(ctx, status.handle, listeners); err != nil {
		log.ErrorContextf(ctx, "register after completion synchronizations failed, err: %v", err)
		return err
	}
	return nil
}

func (t *TXTemplate) cleanupAfterCompletion(ctx context.Context, status *TXStatus) error {
	status.completed = true
	if status.IsNewTransaction() {
		t.adapter.CleanupAfterCompletion(ctx, status.handle)
	}
	if status.suspended == nil {
		return nil
	}
	log.DebugContextf(ctx, "resuming suspended transaction after completion of inner transaction")
	_, err := t.adapter.Resume(status.suspendedCtx, status.suspended)
	return err
}

func (s *TXStatus) listeners() []TransactionSynchronization {
	if s.scope == nil {
		return nil
	}
	return s.scope.snapshot()
}
