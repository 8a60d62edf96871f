package gojta

import (
	"context"
	"errors"
)

// 外部 2PC 协调者。当前事务不做线程绑定，由调用方通过 ctx 显式传递
type Coordinator interface {
	// 开启一笔新的协调者事务
	Begin(ctx context.Context) (Transaction, error)
	// 设置后续 Begin 的事务超时，单位秒，0 表示恢复协调者默认值
	SetTransactionTimeout(ctx context.Context, seconds int) error
	// 挂起事务，返回的 token 需原样交给 Resume
	Suspend(ctx context.Context, tx Transaction) (Transaction, error)
	// 恢复挂起的事务
	Resume(ctx context.Context, token Transaction) error
}

// 协调者签发的一笔事务，adapter 只持有其引用
type Transaction interface {
	// 事务全局唯一标识
	ID() string
	Status(ctx context.Context) (Status, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetRollbackOnly(ctx context.Context) error
	// 把资源登记为事务参与者
	EnlistResource(ctx context.Context, resource XAResource) error
	// 注册插入式同步回调，事务结束时由协调者触发
	RegisterInterposedSynchronization(ctx context.Context, sync Synchronization) error
}

// 协调者层面的同步回调
type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// 协调者返回的错误，通过 errors.Is 分类
var (
	ErrNotSupported       = errors.New("coordinator: operation not supported")
	ErrRollback           = errors.New("coordinator: transaction rolled back")
	ErrHeuristicMixed     = errors.New("coordinator: heuristic mixed")
	ErrHeuristicRollback  = errors.New("coordinator: heuristic rollback")
	ErrHeuristicHazard    = errors.New("coordinator: heuristic hazard")
	ErrIllegalState       = errors.New("coordinator: illegal state")
	ErrInvalidTransaction = errors.New("coordinator: invalid transaction")
	ErrSystem             = errors.New("coordinator: system error")
)
