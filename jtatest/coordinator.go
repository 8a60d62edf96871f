// Package jtatest 提供内存版的 2PC 协调者与恢复管理器，用于测试 gojta 及其上层代码
package jtatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/log"
)

type Option func(*Coordinator)

// WithClock 替换超时判断使用的时钟
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator 内存协调者：单进程、无持久化，超时在读取状态时惰性判定
type Coordinator struct {
	now func() time.Time

	mux          sync.Mutex
	timeout      int
	timeoutCalls []int
	transactions map[string]*Transaction
	beginErr     error
	suspendErr   error
	resumeErr    error
	timeoutErr   error
}

var _ gojta.Coordinator = (*Coordinator)(nil)

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		now:          time.Now,
		transactions: make(map[string]*Transaction),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FailNextBegin 下一次 Begin 返回 err
func (c *Coordinator) FailNextBegin(err error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.beginErr = err
}

func (c *Coordinator) FailNextSuspend(err error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.suspendErr = err
}

func (c *Coordinator) FailNextResume(err error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.resumeErr = err
}

// FailSetTransactionTimeout 之后所有 SetTransactionTimeout 都返回 err，nil 表示恢复
func (c *Coordinator) FailSetTransactionTimeout(err error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.timeoutErr = err
}

func (c *Coordinator) Begin(ctx context.Context) (gojta.Transaction, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if err := c.beginErr; err != nil {
		c.beginErr = nil
		return nil, err
	}

	id := uuid.New()
	tx := &Transaction{
		id:          id.String(),
		gtrid:       id[:],
		coordinator: c,
		status:      gojta.StatusActive,
	}
	if c.timeout > 0 {
		tx.deadline = c.now().Add(time.Duration(c.timeout) * time.Second)
	}
	c.transactions[tx.id] = tx

	log.DebugContextf(ctx, "coordinator began transaction %s, timeout: %ds", tx.id, c.timeout)
	return tx, nil
}

func (c *Coordinator) SetTransactionTimeout(ctx context.Context, seconds int) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.timeoutCalls = append(c.timeoutCalls, seconds)
	if c.timeoutErr != nil {
		return c.timeoutErr
	}
	if seconds < 0 {
		return fmt.Errorf("%w: negative timeout %d", gojta.ErrSystem, seconds)
	}
	c.timeout = seconds
	return nil
}

func (c *Coordinator) Suspend(ctx context.Context, tx gojta.Transaction) (gojta.Transaction, error) {
	c.mux.Lock()
	if err := c.suspendErr; err != nil {
		c.suspendErr = nil
		c.mux.Unlock()
		return nil, err
	}
	c.mux.Unlock()

	t, ok := c.own(tx)
	if !ok {
		return nil, fmt.Errorf("%w: transaction is not managed by this coordinator", gojta.ErrInvalidTransaction)
	}

	t.mux.Lock()
	defer t.mux.Unlock()
	if t.ended {
		return nil, fmt.Errorf("%w: transaction %s already completed", gojta.ErrIllegalState, t.id)
	}
	if t.suspended {
		return nil, fmt.Errorf("%w: transaction %s already suspended", gojta.ErrIllegalState, t.id)
	}
	t.suspended = true
	return t, nil
}

func (c *Coordinator) Resume(ctx context.Context, token gojta.Transaction) error {
	c.mux.Lock()
	if err := c.resumeErr; err != nil {
		c.resumeErr = nil
		c.mux.Unlock()
		return err
	}
	c.mux.Unlock()

	t, ok := c.own(token)
	if !ok {
		return fmt.Errorf("%w: transaction is not managed by this coordinator", gojta.ErrInvalidTransaction)
	}

	t.mux.Lock()
	defer t.mux.Unlock()
	if t.ended || !t.suspended {
		return fmt.Errorf("%w: transaction %s is not suspended", gojta.ErrInvalidTransaction, t.id)
	}
	t.suspended = false
	return nil
}

func (c *Coordinator) own(tx gojta.Transaction) (*Transaction, bool) {
	t, ok := tx.(*Transaction)
	if !ok || t == nil || t.coordinator != c {
		return nil, false
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	_, ok = c.transactions[t.id]
	return t, ok
}

// Transaction 按 id 取事务，测试断言用
func (c *Coordinator) Transaction(id string) (*Transaction, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	t, ok := c.transactions[id]
	return t, ok
}

// TimeoutCalls 按顺序记录的 SetTransactionTimeout 入参
func (c *Coordinator) TimeoutCalls() []int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return append([]int(nil), c.timeoutCalls...)
}

func (c *Coordinator) Timeout() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.timeout
}

type enlistment struct {
	resource gojta.XAResource
	xid      gojta.Xid
	prepared bool
	readOnly bool
}

// Transaction 内存事务。显式 Commit/Rollback 之后与调用方解除关联，状态变为 NO_TRANSACTION，
// 超时回滚后仍保持关联，状态为 ROLLED_BACK
type Transaction struct {
	id          string
	gtrid       []byte
	coordinator *Coordinator

	mux         sync.Mutex
	status      gojta.Status
	final       gojta.Status
	deadline    time.Time
	suspended   bool
	ended       bool
	enlistments []*enlistment
	syncs       []gojta.Synchronization

	enlistCalls   int
	commitCalls   int
	rollbackCalls int

	statusErr   error
	commitErr   error
	registerErr error
	enlistErr   error
}

var _ gojta.Transaction = (*Transaction)(nil)

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) Status(ctx context.Context) (gojta.Status, error) {
	t.mux.Lock()
	if err := t.statusErr; err != nil {
		t.mux.Unlock()
		return gojta.StatusUnknown, err
	}
	syncs := t.expireLocked(ctx)
	status := t.currentLocked()
	t.mux.Unlock()

	afterCompletion(syncs, gojta.StatusRolledBack)
	return status, nil
}

func (t *Transaction) currentLocked() gojta.Status {
	if t.ended {
		return gojta.StatusNoTransaction
	}
	return t.status
}

// expireLocked 超过截止时间的活动事务按超时回滚，返回需要通知的同步回调
func (t *Transaction) expireLocked(ctx context.Context) []gojta.Synchronization {
	if t.ended || t.deadline.IsZero() || !t.coordinator.now().After(t.deadline) {
		return nil
	}
	if t.status != gojta.StatusActive && t.status != gojta.StatusMarkedRollback {
		return nil
	}
	log.DebugContextf(ctx, "transaction %s timed out, rolling back", t.id)
	return t.rollbackLocked(ctx)
}

// Expire 模拟协调者的超时回收：立即回滚，但事务仍与调用方关联
func (t *Transaction) Expire(ctx context.Context) {
	t.mux.Lock()
	var syncs []gojta.Synchronization
	if !t.ended && (t.status == gojta.StatusActive || t.status == gojta.StatusMarkedRollback) {
		syncs = t.rollbackLocked(ctx)
	}
	t.mux.Unlock()
	afterCompletion(syncs, gojta.StatusRolledBack)
}

func (t *Transaction) rollbackLocked(ctx context.Context) []gojta.Synchronization {
	for _, e := range t.enlistments {
		_ = e.resource.End(ctx, e.xid, gojta.TMFail)
		if e.readOnly {
			continue
		}
		if err := e.resource.Rollback(ctx, e.xid); err != nil {
			log.WarnContextf(ctx, "rollback branch %s failed, err: %v", e.xid, err)
		}
	}
	t.status = gojta.StatusRolledBack
	t.final = gojta.StatusRolledBack
	return t.drainSyncsLocked()
}

func (t *Transaction) drainSyncsLocked() []gojta.Synchronization {
	syncs := t.syncs
	t.syncs = nil
	return syncs
}

func afterCompletion(syncs []gojta.Synchronization, status gojta.Status) {
	for _, s := range syncs {
		s.AfterCompletion(status)
	}
}

func beforeCompletion(syncs []gojta.Synchronization) {
	for _, s := range syncs {
		s.BeforeCompletion()
	}
}

func (t *Transaction) Commit(ctx context.Context) error {
	t.mux.Lock()
	t.commitCalls++
	if t.ended {
		t.mux.Unlock()
		return fmt.Errorf("%w: transaction %s already completed", gojta.ErrIllegalState, t.id)
	}
	if syncs := t.expireLocked(ctx); syncs != nil {
		t.ended = true
		t.mux.Unlock()
		afterCompletion(syncs, gojta.StatusRolledBack)
		return fmt.Errorf("%w: transaction %s timed out", gojta.ErrRollback, t.id)
	}
	if t.status == gojta.StatusRolledBack {
		t.ended = true
		t.mux.Unlock()
		return fmt.Errorf("%w: transaction %s already rolled back", gojta.ErrRollback, t.id)
	}
	pending := append([]gojta.Synchronization(nil), t.syncs...)
	t.mux.Unlock()

	beforeCompletion(pending)

	t.mux.Lock()
	status, err := t.completeLocked(ctx)
	t.ended = true
	t.final = status
	syncs := t.drainSyncsLocked()
	t.mux.Unlock()

	afterCompletion(syncs, status)
	return err
}

// completeLocked 两阶段提交；只有一个分支时走单阶段，单阶段资源在其他分支 prepare 之后提交
func (t *Transaction) completeLocked(ctx context.Context) (gojta.Status, error) {
	if t.status == gojta.StatusMarkedRollback {
		t.rollbackEnlistmentsLocked(ctx)
		return gojta.StatusRolledBack, fmt.Errorf("%w: transaction %s was marked rollback-only", gojta.ErrRollback, t.id)
	}

	if err := t.commitErr; err != nil {
		switch {
		case errors.Is(err, gojta.ErrHeuristicMixed):
			return gojta.StatusHeuristicMixed, err
		case errors.Is(err, gojta.ErrHeuristicRollback):
			t.rollbackEnlistmentsLocked(ctx)
			return gojta.StatusHeuristicRollback, err
		case errors.Is(err, gojta.ErrHeuristicHazard):
			return gojta.StatusHeuristicHazard, err
		case errors.Is(err, gojta.ErrRollback):
			t.rollbackEnlistmentsLocked(ctx)
			return gojta.StatusRolledBack, err
		default:
			return gojta.StatusUnknown, err
		}
	}

	for _, e := range t.enlistments {
		if err := e.resource.End(ctx, e.xid, gojta.TMSuccess); err != nil {
			t.rollbackEnlistmentsLocked(ctx)
			return gojta.StatusRolledBack, fmt.Errorf("%w: end branch %s: %v", gojta.ErrRollback, e.xid, err)
		}
	}

	if len(t.enlistments) == 1 {
		e := t.enlistments[0]
		if err := e.resource.Commit(ctx, e.xid, true); err != nil {
			return gojta.StatusRolledBack, fmt.Errorf("%w: one-phase commit of branch %s: %v", gojta.ErrRollback, e.xid, err)
		}
		return gojta.StatusCommitted, nil
	}

	var lastResources, twoPhase []*enlistment
	for _, e := range t.enlistments {
		if last, ok := e.resource.(gojta.LastResource); ok && last.OnePhaseOnly() {
			lastResources = append(lastResources, e)
			continue
		}
		twoPhase = append(twoPhase, e)
	}

	t.status = gojta.StatusPreparing
	for _, e := range twoPhase {
		vote, err := e.resource.Prepare(ctx, e.xid)
		if err != nil {
			t.rollbackEnlistmentsLocked(ctx)
			return gojta.StatusRolledBack, fmt.Errorf("%w: prepare branch %s: %v", gojta.ErrRollback, e.xid, err)
		}
		e.prepared = true
		e.readOnly = vote == gojta.XAReadOnly
	}
	t.status = gojta.StatusPrepared

	t.status = gojta.StatusCommitting
	committed := 0
	for _, e := range lastResources {
		if err := e.resource.Commit(ctx, e.xid, true); err != nil {
			if committed == 0 {
				t.rollbackEnlistmentsLocked(ctx)
				return gojta.StatusRolledBack, fmt.Errorf("%w: one-phase commit of last resource %s: %v", gojta.ErrRollback, e.xid, err)
			}
			return gojta.StatusHeuristicMixed, fmt.Errorf("%w: one-phase commit of last resource %s: %v", gojta.ErrHeuristicMixed, e.xid, err)
		}
		committed++
	}
	for _, e := range twoPhase {
		if e.readOnly {
			continue
		}
		if err := e.resource.Commit(ctx, e.xid, false); err != nil {
			return gojta.StatusHeuristicMixed, fmt.Errorf("%w: commit branch %s: %v", gojta.ErrHeuristicMixed, e.xid, err)
		}
	}
	return gojta.StatusCommitted, nil
}

func (t *Transaction) rollbackEnlistmentsLocked(ctx context.Context) {
	for _, e := range t.enlistments {
		if e.readOnly {
			continue
		}
		if err := e.resource.Rollback(ctx, e.xid); err != nil {
			log.WarnContextf(ctx, "rollback branch %s failed, err: %v", e.xid, err)
		}
	}
}

// Rollback 已超时回滚的事务再次回滚会返回 ErrIllegalState，同时解除关联
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mux.Lock()
	t.rollbackCalls++
	if t.ended {
		t.mux.Unlock()
		return fmt.Errorf("%w: transaction %s already completed", gojta.ErrIllegalState, t.id)
	}
	if t.status == gojta.StatusRolledBack {
		t.ended = true
		t.mux.Unlock()
		return fmt.Errorf("%w: transaction %s already rolled back", gojta.ErrIllegalState, t.id)
	}
	pending := append([]gojta.Synchronization(nil), t.syncs...)
	t.mux.Unlock()

	beforeCompletion(pending)

	t.mux.Lock()
	syncs := t.rollbackLocked(ctx)
	t.ended = true
	t.mux.Unlock()

	afterCompletion(syncs, gojta.StatusRolledBack)
	return nil
}

func (t *Transaction) SetRollbackOnly(ctx context.Context) error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.ended {
		return fmt.Errorf("%w: transaction %s already completed", gojta.ErrIllegalState, t.id)
	}
	if t.status == gojta.StatusActive {
		t.status = gojta.StatusMarkedRollback
	}
	return nil
}

func (t *Transaction) EnlistResource(ctx context.Context, resource gojta.XAResource) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	t.enlistCalls++
	if err := t.enlistErr; err != nil {
		return err
	}
	if t.ended || t.suspended {
		return fmt.Errorf("%w: transaction %s is not active", gojta.ErrIllegalState, t.id)
	}
	if t.status == gojta.StatusMarkedRollback || t.status == gojta.StatusRolledBack {
		return fmt.Errorf("%w: transaction %s is marked for rollback", gojta.ErrRollback, t.id)
	}

	xid := gojta.Xid{
		FormatID:     0x4a54,
		GlobalTxnID:  t.gtrid,
		BranchQualID: []byte(fmt.Sprintf("branch-%d", len(t.enlistments)+1)),
	}
	if err := resource.Start(ctx, xid, gojta.TMNoFlags); err != nil {
		return err
	}
	t.enlistments = append(t.enlistments, &enlistment{resource: resource, xid: xid})
	return nil
}

func (t *Transaction) RegisterInterposedSynchronization(ctx context.Context, s gojta.Synchronization) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	if err := t.registerErr; err != nil {
		return err
	}
	if t.ended {
		return fmt.Errorf("%w: transaction %s already completed", gojta.ErrIllegalState, t.id)
	}
	if t.status == gojta.StatusRolledBack {
		return fmt.Errorf("%w: transaction %s already rolled back", gojta.ErrRollback, t.id)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// FailStatus 之后的 Status 调用都返回 err，nil 表示恢复
func (t *Transaction) FailStatus(err error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.statusErr = err
}

// FailCommit Commit 按 err 的类型产生对应结果（启发式、回滚或未知）
func (t *Transaction) FailCommit(err error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.commitErr = err
}

func (t *Transaction) FailRegisterSynchronization(err error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.registerErr = err
}

func (t *Transaction) FailEnlist(err error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.enlistErr = err
}

// FinalStatus 事务结束时的协调者状态，未结束时返回当前状态
func (t *Transaction) FinalStatus() gojta.Status {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.ended {
		return t.final
	}
	return t.status
}

func (t *Transaction) Suspended() bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.suspended
}

func (t *Transaction) EnlistCalls() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.enlistCalls
}

func (t *Transaction) CommitCalls() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.commitCalls
}

func (t *Transaction) RollbackCalls() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.rollbackCalls
}

func (t *Transaction) Synchronizations() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.syncs)
}
