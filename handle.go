package gojta

import (
	"context"
	"sync/atomic"
)

// TransactionHandle 一个逻辑事务作用域对应一个 handle。
// 协调者事务引用在 begin 时写入一次，之后不再变化
type TransactionHandle struct {
	tx                atomic.Pointer[txHolder]
	timeoutWasChanged bool
}

type txHolder struct {
	tx Transaction
}

func newTransactionHandle() *TransactionHandle {
	return &TransactionHandle{}
}

// HandleOf 把一笔外部开启的协调者事务包装为 handle，用于混合场景
func HandleOf(tx Transaction) *TransactionHandle {
	h := newTransactionHandle()
	h.bind(tx)
	return h
}

func (h *TransactionHandle) bind(tx Transaction) bool {
	return h.tx.CompareAndSwap(nil, &txHolder{tx: tx})
}

// Transaction 未 begin 时返回 nil
func (h *TransactionHandle) Transaction() Transaction {
	if h == nil {
		return nil
	}
	if holder := h.tx.Load(); holder != nil {
		return holder.tx
	}
	return nil
}

func (h *TransactionHandle) ID() string {
	if tx := h.Transaction(); tx != nil {
		return tx.ID()
	}
	return ""
}

func (h *TransactionHandle) TimeoutWasChanged() bool {
	return h.timeoutWasChanged
}

// status 未绑定事务的 handle 视为 NO_TRANSACTION
func (h *TransactionHandle) status(ctx context.Context) (Status, error) {
	tx := h.Transaction()
	if tx == nil {
		return StatusNoTransaction, nil
	}
	return tx.Status(ctx)
}

type handleKey struct{}

// ContextWithHandle 把 handle 作为当前事务放入 ctx
func ContextWithHandle(ctx context.Context, h *TransactionHandle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// ContextWithoutHandle 返回不携带当前事务的 ctx（挂起场景）
func ContextWithoutHandle(ctx context.Context) context.Context {
	return context.WithValue(ctx, handleKey{}, (*TransactionHandle)(nil))
}

// HandleFromContext ctx 中的当前事务，没有时返回 nil
func HandleFromContext(ctx context.Context) *TransactionHandle {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(handleKey{}).(*TransactionHandle)
	return h
}

// transactionExists 以协调者状态为准，不缓存
func transactionExists(ctx context.Context, h *TransactionHandle) (bool, error) {
	if h == nil {
		return false, nil
	}
	status, err := h.status(ctx)
	if err != nil {
		return false, err
	}
	return status != StatusNoTransaction, nil
}
