package gojta

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/gojta/log"
)

// TransactionSynchronization 应用侧的事务完成回调
type TransactionSynchronization interface {
	// 提交前回调，返回错误会使事务回滚
	BeforeCommit(ctx context.Context, readOnly bool) error
	BeforeCompletion(ctx context.Context) error
	// 仅在提交成功后回调
	AfterCommit(ctx context.Context) error
	AfterCompletion(ctx context.Context, outcome Outcome) error
}

// SynchronizationAdapter 空实现，嵌入后按需覆盖
type SynchronizationAdapter struct{}

func (SynchronizationAdapter) BeforeCommit(ctx context.Context, readOnly bool) error { return nil }

func (SynchronizationAdapter) BeforeCompletion(ctx context.Context) error { return nil }

func (SynchronizationAdapter) AfterCommit(ctx context.Context) error { return nil }

func (SynchronizationAdapter) AfterCompletion(ctx context.Context, outcome Outcome) error {
	return nil
}

// AfterCompletionDispatcher 一次物理提交/回滚对应一个 dispatcher，只触发一次
type AfterCompletionDispatcher struct {
	ctx       context.Context
	listeners []TransactionSynchronization
	fired     atomic.Bool
	metrics   *metrics
}

func NewAfterCompletionDispatcher(ctx context.Context, listeners []TransactionSynchronization) *AfterCompletionDispatcher {
	return newAfterCompletionDispatcher(ctx, listeners, nil)
}

func newAfterCompletionDispatcher(ctx context.Context, listeners []TransactionSynchronization, m *metrics) *AfterCompletionDispatcher {
	// 协调者回调可能发生在请求 ctx 取消之后
	return &AfterCompletionDispatcher{
		ctx:       context.WithoutCancel(ctx),
		listeners: append([]TransactionSynchronization(nil), listeners...),
		metrics:   m,
	}
}

// Fired 是否已经触发过
func (d *AfterCompletionDispatcher) Fired() bool {
	return d.fired.Load()
}

// Dispatch 按注册顺序通知监听器。COMMITTED 时先全部 AfterCommit 再全部 AfterCompletion。
// 单个监听器失败不影响后续监听器，所有失败合并后返回。重复调用直接返回 nil
func (d *AfterCompletionDispatcher) Dispatch(ctx context.Context, status Status) error {
	if !d.fired.CompareAndSwap(false, true) {
		return nil
	}

	outcome := outcomeOf(status)
	var errs error
	if outcome == OutcomeCommitted {
		for _, listener := range d.listeners {
			listener := listener
			errs = multierr.Append(errs, invokeListener(func() error { return listener.AfterCommit(ctx) }))
		}
	}
	for _, listener := range d.listeners {
		listener := listener
		errs = multierr.Append(errs, invokeListener(func() error { return listener.AfterCompletion(ctx, outcome) }))
	}

	if errs != nil {
		failed := len(multierr.Errors(errs))
		d.metrics.synchronizationFailed(failed)
		log.ErrorContextf(ctx, "after completion listeners failed, status: %s, failed: %d, err: %v", status, failed, errs)
	}
	return errs
}

// BeforeCompletion 实现协调者 Synchronization
func (d *AfterCompletionDispatcher) BeforeCompletion() {}

// AfterCompletion 实现协调者 Synchronization，由协调者在事务结束时回调
func (d *AfterCompletionDispatcher) AfterCompletion(status Status) {
	_ = d.Dispatch(d.ctx, status)
}

// invokeListener panic 同样按失败收集
func invokeListener(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("synchronization panic: %v", r)
		}
	}()
	return f()
}

// synchronizationScope 一个事务作用域内注册的回调，保持注册顺序
type synchronizationScope struct {
	mux       sync.Mutex
	listeners []TransactionSynchronization
}

func (s *synchronizationScope) register(listener TransactionSynchronization) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *synchronizationScope) snapshot() []TransactionSynchronization {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]TransactionSynchronization(nil), s.listeners...)
}

type scopeKey struct{}

func contextWithScope(ctx context.Context, scope *synchronizationScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func scopeFromContext(ctx context.Context) *synchronizationScope {
	scope, _ := ctx.Value(scopeKey{}).(*synchronizationScope)
	return scope
}

// RegisterSynchronization 向 ctx 所在的最内层事务作用域追加回调
func RegisterSynchronization(ctx context.Context, listener TransactionSynchronization) error {
	scope := scopeFromContext(ctx)
	if scope == nil {
		return newError(KindIllegalState, "transaction synchronization is not active", nil)
	}
	scope.register(listener)
	return nil
}

// SynchronizationActive ctx 中是否存在事务作用域
func SynchronizationActive(ctx context.Context) bool {
	return scopeFromContext(ctx) != nil
}

func triggerBeforeCommit(ctx context.Context, listeners []TransactionSynchronization, readOnly bool) error {
	for _, listener := range listeners {
		listener := listener
		if err := invokeListener(func() error { return listener.BeforeCommit(ctx, readOnly) }); err != nil {
			return err
		}
	}
	return nil
}

// triggerBeforeCompletion 失败只记录，不影响提交/回滚的结果
func triggerBeforeCompletion(ctx context.Context, listeners []TransactionSynchronization) {
	for _, listener := range listeners {
		listener := listener
		if err := invokeListener(func() error { return listener.BeforeCompletion(ctx) }); err != nil {
			log.ErrorContextf(ctx, "before completion listener failed, err: %v", err)
		}
	}
}
