package gojta_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/jtatest"
)

// recorder 按顺序记录所有监听器的回调
type recorder struct {
	mux    sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]string(nil), r.events...)
}

type listener struct {
	gojta.SynchronizationAdapter
	name string
	rec  *recorder

	beforeCommitErr    error
	afterCompletionErr error
}

func (r *recorder) listener(name string) *listener {
	return &listener{name: name, rec: r}
}

func (l *listener) BeforeCommit(ctx context.Context, readOnly bool) error {
	l.rec.add(fmt.Sprintf("%s:beforeCommit(%t)", l.name, readOnly))
	return l.beforeCommitErr
}

func (l *listener) BeforeCompletion(ctx context.Context) error {
	l.rec.add(l.name + ":beforeCompletion")
	return nil
}

func (l *listener) AfterCommit(ctx context.Context) error {
	l.rec.add(l.name + ":afterCommit")
	return nil
}

func (l *listener) AfterCompletion(ctx context.Context, outcome gojta.Outcome) error {
	l.rec.add(l.name + ":afterCompletion(" + outcome.String() + ")")
	return l.afterCompletionErr
}

// bindingCoordinator 第一次 Begin 时先执行 bind，模拟 handle 在开启期间被并发绑定
type bindingCoordinator struct {
	*jtatest.Coordinator
	bind func(ctx context.Context) error
	lost *jtatest.Transaction
}

func (c *bindingCoordinator) Begin(ctx context.Context) (gojta.Transaction, error) {
	bind := c.bind
	if bind == nil {
		return c.Coordinator.Begin(ctx)
	}
	c.bind = nil
	if err := bind(ctx); err != nil {
		return nil, err
	}
	tx, err := c.Coordinator.Begin(ctx)
	if err != nil {
		return nil, err
	}
	c.lost = tx.(*jtatest.Transaction)
	return tx, nil
}

func newManager(opts ...gojta.Option) (*jtatest.Coordinator, *gojta.TXManager) {
	coordinator := jtatest.NewCoordinator()
	return coordinator, gojta.NewTXManager(coordinator, opts...)
}

// begin 开启事务，返回携带事务的 ctx、handle 以及协调者侧的事务
func begin(t *testing.T, ctx context.Context, coordinator *jtatest.Coordinator, manager *gojta.TXManager, definition gojta.Definition) (context.Context, *gojta.TransactionHandle, *jtatest.Transaction) {
	t.Helper()
	txCtx, err := manager.Begin(ctx, manager.NewHandle(ctx), definition)
	require.NoError(t, err)
	h := gojta.HandleFromContext(txCtx)
	require.NotNil(t, h)
	tx, ok := coordinator.Transaction(h.ID())
	require.True(t, ok)
	return txCtx, h, tx
}

func Test_TXManager_Commit(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "committed",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())

				rec := &recorder{}
				require.NoError(t, manager.RegisterAfterCompletion(txCtx, h, []gojta.TransactionSynchronization{
					rec.listener("l1"), rec.listener("l2"),
				}))
				assert.Empty(t, rec.Events())

				require.NoError(t, manager.Commit(txCtx, h))
				assert.Equal(t, gojta.StatusCommitted, tx.FinalStatus())
				assert.Equal(t, []string{
					"l1:afterCommit",
					"l2:afterCommit",
					"l1:afterCompletion(committed)",
					"l2:afterCompletion(committed)",
				}, rec.Events())
			},
		},
		{
			name: "rollbackOnly",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())

				rec := &recorder{}
				require.NoError(t, manager.RegisterAfterCompletion(txCtx, h, []gojta.TransactionSynchronization{rec.listener("l1")}))
				require.NoError(t, manager.SetRollbackOnly(txCtx, h))

				rollbackOnly, err := manager.IsRollbackOnly(txCtx, h)
				require.NoError(t, err)
				assert.True(t, rollbackOnly)

				err = manager.Commit(txCtx, h)
				assert.ErrorIs(t, err, gojta.ErrUnexpectedRollback)
				assert.ErrorIs(t, err, gojta.ErrRollback)
				assert.Equal(t, gojta.StatusRolledBack, tx.FinalStatus())
				assert.Equal(t, []string{"l1:afterCompletion(rolled_back)"}, rec.Events())
			},
		},
		{
			name: "alreadyRolledBack",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())

				tx.Expire(txCtx)
				rollbackOnly, err := manager.IsRollbackOnly(txCtx, h)
				require.NoError(t, err)
				assert.True(t, rollbackOnly)

				err = manager.Commit(txCtx, h)
				assert.ErrorIs(t, err, gojta.ErrUnexpectedRollback)
				// 补偿回滚只发生一次，协调者返回的 illegal state 被吞掉
				assert.Equal(t, 1, tx.RollbackCalls())
				assert.Equal(t, 0, tx.CommitCalls())
				assert.Equal(t, gojta.StatusRolledBack, tx.FinalStatus())

				// 协调者侧已解除关联
				assert.ErrorIs(t, manager.Commit(txCtx, h), gojta.ErrNoTransaction)
				assert.Equal(t, 1, tx.RollbackCalls())
			},
		},
		{
			name: "alreadyHeuristic",
			f: func(t *testing.T) {
				h := gojta.HandleOf(&fixedStatusTransaction{status: gojta.StatusHeuristicHazard})
				_, manager := newManager()

				err := manager.Commit(ctx, h)
				assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
				assert.Contains(t, err.Error(), "heuristic hazard")
			},
		},
		{
			name: "noTransaction",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				assert.ErrorIs(t, manager.Commit(ctx, manager.NewHandle(ctx)), gojta.ErrNoTransaction)
				assert.ErrorIs(t, manager.Rollback(ctx, nil), gojta.ErrNoTransaction)
				assert.ErrorIs(t, manager.SetRollbackOnly(ctx, nil), gojta.ErrNoTransaction)

				txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				require.NoError(t, manager.Commit(txCtx, h))
				assert.ErrorIs(t, manager.Commit(txCtx, h), gojta.ErrNoTransaction)
				assert.ErrorIs(t, manager.Rollback(txCtx, h), gojta.ErrNoTransaction)
				assert.ErrorIs(t, manager.SetRollbackOnly(txCtx, h), gojta.ErrNoTransaction)

				exists, err := manager.IsExistingTransaction(txCtx, h)
				require.NoError(t, err)
				assert.False(t, exists)
			},
		},
		{
			name: "statusFailure",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())

				tx.FailStatus(gojta.ErrSystem)
				assert.ErrorIs(t, manager.Commit(txCtx, h), gojta.ErrTransactionSystem)
				_, err := manager.IsExistingTransaction(txCtx, h)
				assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
				_, err = manager.IsRollbackOnly(txCtx, h)
				assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_TXManager_CommitFailure(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		commitErr error
		expect    error
		final     gojta.Status
	}{
		{
			name:      "heuristicMixed",
			commitErr: gojta.ErrHeuristicMixed,
			expect:    gojta.ErrTransactionSystem,
			final:     gojta.StatusHeuristicMixed,
		},
		{
			name:      "heuristicRollback",
			commitErr: gojta.ErrHeuristicRollback,
			expect:    gojta.ErrTransactionSystem,
			final:     gojta.StatusHeuristicRollback,
		},
		{
			name:      "heuristicHazard",
			commitErr: gojta.ErrHeuristicHazard,
			expect:    gojta.ErrTransactionSystem,
			final:     gojta.StatusHeuristicHazard,
		},
		{
			name:      "rollback",
			commitErr: gojta.ErrRollback,
			expect:    gojta.ErrUnexpectedRollback,
			final:     gojta.StatusRolledBack,
		},
		{
			name:      "system",
			commitErr: gojta.ErrSystem,
			expect:    gojta.ErrTransactionSystem,
			final:     gojta.StatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coordinator, manager := newManager()
			txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())

			rec := &recorder{}
			require.NoError(t, manager.RegisterAfterCompletion(txCtx, h, []gojta.TransactionSynchronization{rec.listener("l1")}))
			tx.FailCommit(tt.commitErr)

			err := manager.Commit(txCtx, h)
			assert.ErrorIs(t, err, tt.expect)
			// 保留协调者原始错误
			assert.ErrorIs(t, err, tt.commitErr)
			assert.Equal(t, tt.final, tx.FinalStatus())

			expectOutcome := gojta.OutcomeUnknown
			if tt.final == gojta.StatusRolledBack {
				expectOutcome = gojta.OutcomeRolledBack
			}
			assert.Equal(t, []string{"l1:afterCompletion(" + expectOutcome.String() + ")"}, rec.Events())
		})
	}
}

func Test_TXManager_Rollback(t *testing.T) {
	ctx := context.Background()
	coordinator, manager := newManager()

	txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	require.NoError(t, manager.Rollback(txCtx, h))
	assert.Equal(t, gojta.StatusRolledBack, tx.FinalStatus())

	// 超时回滚后再显式回滚：协调者的 illegal state 翻译为 TransactionSystem，而不是 UnexpectedRollback
	txCtx, h, tx = begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	tx.Expire(txCtx)
	err := manager.Rollback(txCtx, h)
	assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
	assert.ErrorIs(t, err, gojta.ErrIllegalState)
	assert.NotErrorIs(t, err, gojta.ErrUnexpectedRollback)
	assert.Equal(t, 1, tx.RollbackCalls())
	assert.Equal(t, gojta.StatusRolledBack, tx.FinalStatus())
	// 协调者已解除关联，再次回滚没有事务
	assert.ErrorIs(t, manager.Rollback(txCtx, h), gojta.ErrNoTransaction)
	assert.Equal(t, 1, tx.RollbackCalls())

	// 已回滚的事务忽略 SetRollbackOnly
	txCtx, h, tx = begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	tx.Expire(txCtx)
	assert.NoError(t, manager.SetRollbackOnly(txCtx, h))
}

func Test_TXManager_Begin(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "customIsolation",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				_, err := manager.Begin(ctx, nil, gojta.Definition{Isolation: gojta.IsolationSerializable})
				assert.ErrorIs(t, err, gojta.ErrCannotCreateTransaction)
				assert.Empty(t, coordinator.TimeoutCalls())
			},
		},
		{
			name: "timeout",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.Definition{Timeout: 1500 * time.Millisecond})
				assert.True(t, h.TimeoutWasChanged())
				assert.Equal(t, []int{2}, coordinator.TimeoutCalls())

				require.NoError(t, manager.Commit(txCtx, h))
				manager.CleanupAfterCompletion(txCtx, h)
				manager.CleanupAfterCompletion(txCtx, h)
				assert.False(t, h.TimeoutWasChanged())
				assert.Equal(t, []int{2, 0}, coordinator.TimeoutCalls())
				assert.Equal(t, 0, coordinator.Timeout())
			},
		},
		{
			name: "defaultTimeout",
			f: func(t *testing.T) {
				coordinator, manager := newManager(gojta.WithDefaultTimeout(30 * time.Second))
				_, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				assert.True(t, h.TimeoutWasChanged())
				assert.Equal(t, []int{30}, coordinator.TimeoutCalls())
			},
		},
		{
			name: "noTimeout",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				assert.False(t, h.TimeoutWasChanged())
				manager.CleanupAfterCompletion(txCtx, h)
				assert.Empty(t, coordinator.TimeoutCalls())
			},
		},
		{
			name: "timeoutFailure",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				coordinator.FailSetTransactionTimeout(gojta.ErrSystem)
				_, err := manager.Begin(ctx, nil, gojta.Definition{Timeout: time.Second})
				assert.ErrorIs(t, err, gojta.ErrCannotCreateTransaction)
				assert.ErrorIs(t, err, gojta.ErrSystem)
			},
		},
		{
			name: "notSupported",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				coordinator.FailNextBegin(fmt.Errorf("%w: nested", gojta.ErrNotSupported))
				h := manager.NewHandle(ctx)
				_, err := manager.Begin(ctx, h, gojta.Definition{Timeout: 5 * time.Second})
				assert.ErrorIs(t, err, gojta.ErrNestedTransactionNotSupported)
				// 开启失败时恢复超时设置
				assert.Equal(t, []int{5, 0}, coordinator.TimeoutCalls())
				assert.Nil(t, h.Transaction())
			},
		},
		{
			name: "beginFailure",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				coordinator.FailNextBegin(gojta.ErrSystem)
				_, err := manager.Begin(ctx, nil, gojta.DefaultDefinition())
				assert.ErrorIs(t, err, gojta.ErrCannotCreateTransaction)
				assert.ErrorIs(t, err, gojta.ErrSystem)
			},
		},
		{
			name: "handleBoundConcurrently",
			f: func(t *testing.T) {
				coordinator := &bindingCoordinator{Coordinator: jtatest.NewCoordinator()}
				manager := gojta.NewTXManager(coordinator)
				h := manager.NewHandle(ctx)
				coordinator.bind = func(ctx context.Context) error {
					_, err := manager.Begin(ctx, h, gojta.Definition{Timeout: 4 * time.Second})
					return err
				}

				_, err := manager.Begin(ctx, h, gojta.Definition{Timeout: 4 * time.Second})
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)

				// 多开启的事务被回滚，超时被恢复，h 仍属于先绑定的事务
				require.NotNil(t, coordinator.lost)
				assert.Equal(t, 1, coordinator.lost.RollbackCalls())
				assert.Equal(t, gojta.StatusRolledBack, coordinator.lost.FinalStatus())
				assert.NotEqual(t, coordinator.lost.ID(), h.ID())
				assert.True(t, h.TimeoutWasChanged())
				assert.Equal(t, []int{4, 4, 0}, coordinator.TimeoutCalls())
			},
		},
		{
			name: "boundHandle",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				assert.Same(t, h, manager.NewHandle(txCtx))

				_, err := manager.Begin(txCtx, h, gojta.DefaultDefinition())
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_TXManager_SuspendResume(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "identity",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())

				suspendedCtx, state, err := manager.Suspend(txCtx, h)
				require.NoError(t, err)
				assert.Same(t, h, state.Handle())
				assert.Nil(t, gojta.HandleFromContext(suspendedCtx))
				assert.True(t, tx.Suspended())

				// 挂起期间开启并完成另一笔事务
				innerCtx, inner, innerTx := begin(t, suspendedCtx, coordinator, manager, gojta.DefaultDefinition())
				require.NoError(t, manager.Commit(innerCtx, inner))
				assert.Equal(t, gojta.StatusCommitted, innerTx.FinalStatus())

				resumedCtx, err := manager.Resume(suspendedCtx, state)
				require.NoError(t, err)
				assert.Same(t, h, gojta.HandleFromContext(resumedCtx))
				assert.False(t, tx.Suspended())
				require.NoError(t, manager.Commit(resumedCtx, h))
				assert.Equal(t, gojta.StatusCommitted, tx.FinalStatus())
			},
		},
		{
			name: "lifo",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				ctx1, h1, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				suspended1, state1, err := manager.Suspend(ctx1, h1)
				require.NoError(t, err)

				ctx2, h2, _ := begin(t, suspended1, coordinator, manager, gojta.DefaultDefinition())
				suspended2, state2, err := manager.Suspend(ctx2, h2)
				require.NoError(t, err)

				_, err = manager.Resume(suspended2, state1)
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)

				resumed2, err := manager.Resume(suspended2, state2)
				require.NoError(t, err)
				assert.Same(t, h2, gojta.HandleFromContext(resumed2))
				require.NoError(t, manager.Commit(resumed2, h2))

				resumed1, err := manager.Resume(suspended1, state1)
				require.NoError(t, err)
				assert.Same(t, h1, gojta.HandleFromContext(resumed1))

				// 同一凭证只能恢复一次
				_, err = manager.Resume(suspended1, state1)
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)
			},
		},
		{
			name: "foreignState",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				_, other := newManager()
				txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				suspendedCtx, state, err := manager.Suspend(txCtx, h)
				require.NoError(t, err)

				_, err = other.Resume(suspendedCtx, state)
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)
				_, err = manager.Resume(suspendedCtx, nil)
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)
			},
		},
		{
			name: "invalidTransaction",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				suspendedCtx, state, err := manager.Suspend(txCtx, h)
				require.NoError(t, err)

				coordinator.FailNextResume(fmt.Errorf("%w: gone", gojta.ErrInvalidTransaction))
				_, err = manager.Resume(suspendedCtx, state)
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)
				assert.ErrorIs(t, err, gojta.ErrInvalidTransaction)
			},
		},
		{
			name: "resumeRetry",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				suspendedCtx, state, err := manager.Suspend(txCtx, h)
				require.NoError(t, err)

				coordinator.FailNextResume(gojta.ErrSystem)
				_, err = manager.Resume(suspendedCtx, state)
				assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
				assert.True(t, tx.Suspended())

				// 失败的恢复不消耗 state
				resumedCtx, err := manager.Resume(suspendedCtx, state)
				require.NoError(t, err)
				assert.Same(t, h, gojta.HandleFromContext(resumedCtx))
				assert.False(t, tx.Suspended())

				_, err = manager.Resume(suspendedCtx, state)
				assert.ErrorIs(t, err, gojta.ErrIllegalTransactionState)
			},
		},
		{
			name: "suspendFailure",
			f: func(t *testing.T) {
				coordinator, manager := newManager()
				_, _, err := manager.Suspend(ctx, nil)
				assert.ErrorIs(t, err, gojta.ErrNoTransaction)

				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				coordinator.FailNextSuspend(gojta.ErrSystem)
				_, _, err = manager.Suspend(txCtx, h)
				assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
				assert.False(t, tx.Suspended())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_TXManager_RegisterAfterCompletion(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		setup  func(t *testing.T, coordinator *jtatest.Coordinator, manager *gojta.TXManager) (context.Context, *gojta.TransactionHandle)
		expect string
	}{
		{
			name: "noTransaction",
			setup: func(t *testing.T, coordinator *jtatest.Coordinator, manager *gojta.TXManager) (context.Context, *gojta.TransactionHandle) {
				return ctx, nil
			},
			expect: "unknown",
		},
		{
			name: "completed",
			setup: func(t *testing.T, coordinator *jtatest.Coordinator, manager *gojta.TXManager) (context.Context, *gojta.TransactionHandle) {
				txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				require.NoError(t, manager.Commit(txCtx, h))
				return txCtx, h
			},
			expect: "unknown",
		},
		{
			name: "rolledBack",
			setup: func(t *testing.T, coordinator *jtatest.Coordinator, manager *gojta.TXManager) (context.Context, *gojta.TransactionHandle) {
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				tx.Expire(txCtx)
				return txCtx, h
			},
			expect: "rolled_back",
		},
		{
			name: "registerRollback",
			setup: func(t *testing.T, coordinator *jtatest.Coordinator, manager *gojta.TXManager) (context.Context, *gojta.TransactionHandle) {
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				tx.FailRegisterSynchronization(gojta.ErrRollback)
				return txCtx, h
			},
			expect: "rolled_back",
		},
		{
			name: "registerIllegalState",
			setup: func(t *testing.T, coordinator *jtatest.Coordinator, manager *gojta.TXManager) (context.Context, *gojta.TransactionHandle) {
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				tx.FailRegisterSynchronization(gojta.ErrIllegalState)
				return txCtx, h
			},
			expect: "unknown",
		},
		{
			name: "statusFailure",
			setup: func(t *testing.T, coordinator *jtatest.Coordinator, manager *gojta.TXManager) (context.Context, *gojta.TransactionHandle) {
				txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
				tx.FailStatus(gojta.ErrSystem)
				return txCtx, h
			},
			expect: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coordinator, manager := newManager()
			txCtx, h := tt.setup(t, coordinator, manager)

			rec := &recorder{}
			require.NoError(t, manager.RegisterAfterCompletion(txCtx, h, []gojta.TransactionSynchronization{rec.listener("l1")}))
			// 无法注册到协调者时立即通知
			assert.Equal(t, []string{"l1:afterCompletion(" + tt.expect + ")"}, rec.Events())
		})
	}
}

type stubDataSource struct {
	conn gojta.Conn
	err  error
	ctx  context.Context
}

func (d *stubDataSource) Conn(ctx context.Context) (gojta.Conn, error) {
	d.ctx = ctx
	return d.conn, d.err
}

type stubConn struct {
	gojta.Conn
}

func Test_TXManager_Connection(t *testing.T) {
	ctx := context.Background()

	coordinator, manager := newManager()
	_, err := manager.Connection(ctx)
	assert.ErrorIs(t, err, gojta.ErrTransactionSystem)

	txCtx, _, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	_, err = manager.Connection(txCtx)
	assert.ErrorIs(t, err, gojta.ErrTransactionSystem)

	conn := &stubConn{}
	ds := &stubDataSource{conn: conn}
	coordinator, manager = newManager(gojta.WithDataSource(ds))
	txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	got, err := manager.Connection(txCtx)
	require.NoError(t, err)
	assert.Same(t, conn, got)
	assert.Same(t, h, gojta.HandleFromContext(ds.ctx))

	ds.err = errors.New("pool exhausted")
	_, err = manager.ConnectionFor(ctx, h)
	assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
	assert.ErrorIs(t, err, ds.err)
}

func Test_TXManager_Policies(t *testing.T) {
	_, manager := newManager()
	assert.True(t, manager.ShouldCommitOnGlobalRollbackOnly())
	assert.False(t, manager.UseSavepointForNestedTransaction())
	assert.True(t, manager.FailEarlyOnGlobalRollbackOnly())
	assert.True(t, manager.NestedTransactionAllowed())

	_, manager = newManager(gojta.WithFailEarlyOnGlobalRollbackOnly(false), gojta.WithNestedTransactionAllowed(false))
	assert.False(t, manager.FailEarlyOnGlobalRollbackOnly())
	assert.False(t, manager.NestedTransactionAllowed())
}

// counterValue 从 registry 中读取指定标签的计数
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

func Test_TXManager_Metrics(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	coordinator, manager := newManager(gojta.WithRegisterer(registry))
	// 共享 registerer 的第二个 manager 复用同一组指标
	_, shared := newManager(gojta.WithRegisterer(registry))

	txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	require.NoError(t, manager.Commit(txCtx, h))

	txCtx, h, _ = begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	require.NoError(t, shared.Rollback(txCtx, h))

	txCtx, h, tx := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	tx.FailCommit(gojta.ErrHeuristicMixed)
	assert.Error(t, manager.Commit(txCtx, h))

	assert.Equal(t, float64(1), counterValue(t, registry, "gojta_transactions_total", map[string]string{"outcome": "committed"}))
	assert.Equal(t, float64(1), counterValue(t, registry, "gojta_transactions_total", map[string]string{"outcome": "rolled_back"}))
	assert.Equal(t, float64(1), counterValue(t, registry, "gojta_transactions_total", map[string]string{"outcome": "heuristic"}))
}

func Test_TXManager_Tracing(t *testing.T) {
	ctx := context.Background()
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	coordinator, manager := newManager(gojta.WithTracerProvider(provider))

	txCtx, h, _ := begin(t, ctx, coordinator, manager, gojta.DefaultDefinition())
	require.NoError(t, manager.SetRollbackOnly(txCtx, h))
	assert.ErrorIs(t, manager.Commit(txCtx, h), gojta.ErrUnexpectedRollback)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "gojta.begin", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	assert.Equal(t, "gojta.commit", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Contains(t, ended[1].Attributes(), attribute.String("gojta.tx_id", h.ID()))
}

// fixedStatusTransaction 状态固定的外部事务
type fixedStatusTransaction struct {
	gojta.Transaction
	status gojta.Status
}

func (f *fixedStatusTransaction) ID() string {
	return "fixed"
}

func (f *fixedStatusTransaction) Status(ctx context.Context) (gojta.Status, error) {
	return f.status, nil
}
