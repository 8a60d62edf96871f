package gojta

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// Xid XA 事务分支标识
type Xid struct {
	FormatID     int32
	GlobalTxnID  []byte
	BranchQualID []byte
}

func (x Xid) String() string {
	return fmt.Sprintf("Xid{fmt=%d,gtrid=%x,bqual=%x}", x.FormatID, x.GlobalTxnID, x.BranchQualID)
}

func (x Xid) Equal(other Xid) bool {
	return x.FormatID == other.FormatID &&
		bytes.Equal(x.GlobalTxnID, other.GlobalTxnID) &&
		bytes.Equal(x.BranchQualID, other.BranchQualID)
}

// XA 标志位
const (
	TMNoFlags    = 0x00000000
	TMJoin       = 0x00200000
	TMResume     = 0x08000000
	TMSuccess    = 0x04000000
	TMFail       = 0x20000000
	TMSuspend    = 0x02000000
	TMStartRScan = 0x01000000
	TMEndRScan   = 0x00800000
	TMOnePhase   = 0x40000000
)

// Prepare 的投票结果
const (
	XAOK       = 0
	XAReadOnly = 3
)

// XA 资源侧错误
var (
	ErrXAProtocol        = errors.New("xa: protocol error")
	ErrXAInvalidXid      = errors.New("xa: invalid xid")
	ErrXAResourceManager = errors.New("xa: resource manager error")
	// 本地资源只支持单阶段提交
	ErrXAOnePhaseOnly = errors.New("xa: resource supports one-phase commit only")
)

// XAResource 具备两阶段提交能力的资源管理器参与者
type XAResource interface {
	Start(ctx context.Context, xid Xid, flags int) error
	End(ctx context.Context, xid Xid, flags int) error
	Prepare(ctx context.Context, xid Xid) (int, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
	Recover(ctx context.Context, flags int) ([]Xid, error)
}

// TransactionAware 连接池侧感知事务的参与者
type TransactionAware interface {
	// 加入已登记的事务（不再重复登记）
	TransactionStart() error
	// 提交/回滚前回调，successful 表示即将提交
	TransactionBeforeCompletion(successful bool) error
	// 单阶段提交时由本地资源包装器调用
	TransactionCommit() error
	TransactionRollback() error
	// 事务结束，连接可归还
	TransactionEnd() error
	// 注入"事务是否仍在运行"的检查函数
	TransactionCheckCallback(check func() bool)
}

// RollbackOnlyAware 可选接口，开启 fail-early 时注入"事务是否已被标记为 rollback-only"的检查函数
type RollbackOnlyAware interface {
	TransactionRollbackOnlyCallback(check func() bool)
}

// LastResource 只能单阶段提交的资源，协调者需在其他分支 prepare 之后最后提交它
type LastResource interface {
	XAResource
	OnePhaseOnly() bool
}
