package gojta

import (
	"context"
	"fmt"
	"sync"
)

// transactionAwareXAResource 包装连接池提供的 XA 资源，分支开始/结束时通知参与者
type transactionAwareXAResource struct {
	name     string
	aware    TransactionAware
	delegate XAResource
}

func newTransactionAwareXAResource(name string, aware TransactionAware, delegate XAResource) *transactionAwareXAResource {
	return &transactionAwareXAResource{
		name:     name,
		aware:    aware,
		delegate: delegate,
	}
}

func (r *transactionAwareXAResource) Start(ctx context.Context, xid Xid, flags int) error {
	if err := r.delegate.Start(ctx, xid, flags); err != nil {
		return err
	}
	if err := r.aware.TransactionStart(); err != nil {
		return fmt.Errorf("%w: data source %s failed to start transaction: %v", ErrXAResourceManager, r.name, err)
	}
	return nil
}

func (r *transactionAwareXAResource) End(ctx context.Context, xid Xid, flags int) error {
	if err := r.aware.TransactionBeforeCompletion(flags == TMSuccess); err != nil {
		return fmt.Errorf("%w: data source %s failed before completion: %v", ErrXAResourceManager, r.name, err)
	}
	return r.delegate.End(ctx, xid, flags)
}

func (r *transactionAwareXAResource) Prepare(ctx context.Context, xid Xid) (int, error) {
	return r.delegate.Prepare(ctx, xid)
}

func (r *transactionAwareXAResource) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	return r.delegate.Commit(ctx, xid, onePhase)
}

func (r *transactionAwareXAResource) Rollback(ctx context.Context, xid Xid) error {
	return r.delegate.Rollback(ctx, xid)
}

func (r *transactionAwareXAResource) Forget(ctx context.Context, xid Xid) error {
	return r.delegate.Forget(ctx, xid)
}

func (r *transactionAwareXAResource) Recover(ctx context.Context, flags int) ([]Xid, error) {
	return r.delegate.Recover(ctx, flags)
}

// localXAResource 把只支持本地事务的连接包装成单阶段提交的 XA 资源
type localXAResource struct {
	name  string
	aware TransactionAware

	mux     sync.Mutex
	current *Xid
}

func newLocalXAResource(name string, aware TransactionAware) *localXAResource {
	return &localXAResource{
		name:  name,
		aware: aware,
	}
}

func (r *localXAResource) OnePhaseOnly() bool {
	return true
}

func (r *localXAResource) Start(ctx context.Context, xid Xid, flags int) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.current != nil {
		// 同一分支只允许 join/resume
		if flags != TMJoin && flags != TMResume {
			return fmt.Errorf("%w: data source %s is already enlisted in %s", ErrXAProtocol, r.name, r.current)
		}
		return nil
	}
	if flags != TMNoFlags {
		return fmt.Errorf("%w: data source %s received flags %#x without an active branch", ErrXAProtocol, r.name, flags)
	}
	if err := r.aware.TransactionStart(); err != nil {
		return fmt.Errorf("%w: data source %s failed to start local transaction: %v", ErrXAResourceManager, r.name, err)
	}
	r.current = &xid
	return nil
}

func (r *localXAResource) End(ctx context.Context, xid Xid, flags int) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if err := r.checkXid(xid); err != nil {
		return err
	}
	if err := r.aware.TransactionBeforeCompletion(flags == TMSuccess); err != nil {
		return fmt.Errorf("%w: data source %s failed before completion: %v", ErrXAResourceManager, r.name, err)
	}
	return nil
}

func (r *localXAResource) Prepare(ctx context.Context, xid Xid) (int, error) {
	return 0, fmt.Errorf("%w: data source %s", ErrXAOnePhaseOnly, r.name)
}

func (r *localXAResource) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if err := r.checkXid(xid); err != nil {
		return err
	}
	defer func() { r.current = nil }()

	if !onePhase {
		return fmt.Errorf("%w: data source %s", ErrXAOnePhaseOnly, r.name)
	}
	if err := r.aware.TransactionCommit(); err != nil {
		return fmt.Errorf("%w: data source %s failed to commit local transaction: %v", ErrXAResourceManager, r.name, err)
	}
	return nil
}

func (r *localXAResource) Rollback(ctx context.Context, xid Xid) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if err := r.checkXid(xid); err != nil {
		return err
	}
	defer func() { r.current = nil }()

	if err := r.aware.TransactionRollback(); err != nil {
		return fmt.Errorf("%w: data source %s failed to rollback local transaction: %v", ErrXAResourceManager, r.name, err)
	}
	return nil
}

func (r *localXAResource) Forget(ctx context.Context, xid Xid) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.current = nil
	return nil
}

// Recover 本地资源不会有悬挂分支
func (r *localXAResource) Recover(ctx context.Context, flags int) ([]Xid, error) {
	return nil, nil
}

func (r *localXAResource) checkXid(xid Xid) error {
	if r.current == nil {
		return fmt.Errorf("%w: data source %s has no active branch", ErrXAInvalidXid, r.name)
	}
	if !r.current.Equal(xid) {
		return fmt.Errorf("%w: data source %s expected %s, got %s", ErrXAInvalidXid, r.name, r.current, xid)
	}
	return nil
}
