package gojta

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/gojta/log"
)

// RecoveryModule 协调者恢复子系统中的一个模块
type RecoveryModule interface {
	PeriodicWorkFirstPass(ctx context.Context)
	PeriodicWorkSecondPass(ctx context.Context)
}

// XARecoveryModule 负责 XA 分支恢复的模块，接受恢复 helper 的注册
type XARecoveryModule interface {
	RecoveryModule
	AddXAResourceRecoveryHelper(helper XAResourceRecoveryHelper)
	RemoveXAResourceRecoveryHelper(helper XAResourceRecoveryHelper)
}

// XAResourceRecoveryHelper 崩溃恢复时向恢复模块提供 XA 资源
type XAResourceRecoveryHelper interface {
	XAResources() []XAResource
}

type RecoveryManager interface {
	Modules() []RecoveryModule
}

// XAConnection 连接池提供的恢复专用连接
type XAConnection interface {
	XAResource() (XAResource, error)
	Close() error
}

// ResourceRecoveryFactory 连接池侧的恢复连接工厂，需为可比较类型（通常是指针），以其身份作为缓存 key
type ResourceRecoveryFactory interface {
	RecoveryConnection(ctx context.Context) (XAConnection, error)
}

type recoveryHelper struct {
	resources []XAResource
	conn      XAConnection
}

func (h *recoveryHelper) XAResources() []XAResource {
	return h.resources
}

// recoveryEntry 一个工厂的 helper，done 关闭前 helper 正在创建
type recoveryEntry struct {
	done   chan struct{}
	helper *recoveryHelper
	err    error
}

// RecoveryBridge 按工厂身份缓存恢复 helper，同一工厂只注册一次，移除时对称注销。
// 进程内所有 ResourceIntegration 共享同一个 bridge
type RecoveryBridge struct {
	recoveryManager RecoveryManager
	metrics         *metrics

	mux     sync.Mutex
	entries map[ResourceRecoveryFactory]*recoveryEntry
}

func NewRecoveryBridge(recoveryManager RecoveryManager, opts ...Option) *RecoveryBridge {
	options := newOptions(opts...)
	return &RecoveryBridge{
		recoveryManager: recoveryManager,
		metrics:         newMetrics(options.Registerer),
		entries:         make(map[ResourceRecoveryFactory]*recoveryEntry),
	}
}

func (b *RecoveryBridge) xaRecoveryModule() (XARecoveryModule, error) {
	if b.recoveryManager != nil {
		for _, module := range b.recoveryManager.Modules() {
			if xaModule, ok := module.(XARecoveryModule); ok {
				return xaModule, nil
			}
		}
	}
	return nil, newError(KindIllegalState, "failed to retrieve the XA recovery module", nil)
}

// Add 首次出现的工厂才会创建 helper 并注册。
// 创建时只占住该工厂的条目，同一工厂的并发调用等待创建结果，其他工厂不受影响
func (b *RecoveryBridge) Add(ctx context.Context, factory ResourceRecoveryFactory) error {
	module, err := b.xaRecoveryModule()
	if err != nil {
		return err
	}

	b.mux.Lock()
	if entry, ok := b.entries[factory]; ok {
		b.mux.Unlock()
		select {
		case <-entry.done:
			return entry.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	entry := &recoveryEntry{done: make(chan struct{})}
	b.entries[factory] = entry
	b.mux.Unlock()

	helper, err := newRecoveryHelper(ctx, factory)

	b.mux.Lock()
	if err != nil {
		entry.err = err
		delete(b.entries, factory)
	} else {
		entry.helper = helper
		module.AddXAResourceRecoveryHelper(helper)
		b.metrics.recoveryHelpersChanged(1)
	}
	b.mux.Unlock()
	close(entry.done)
	return err
}

func newRecoveryHelper(ctx context.Context, factory ResourceRecoveryFactory) (*recoveryHelper, error) {
	conn, err := factory.RecoveryConnection(ctx)
	if err != nil {
		return nil, newError(KindTransactionSystem, "failed to add the resource recovery factory to the XA recovery module", err)
	}
	resource, err := conn.XAResource()
	if err != nil {
		_ = conn.Close()
		return nil, newError(KindTransactionSystem, "failed to add the resource recovery factory to the XA recovery module", err)
	}
	return &recoveryHelper{resources: []XAResource{resource}, conn: conn}, nil
}

// Remove 未注册过的工厂直接忽略，正在创建的 helper 等创建结束后再注销
func (b *RecoveryBridge) Remove(ctx context.Context, factory ResourceRecoveryFactory) error {
	module, err := b.xaRecoveryModule()
	if err != nil {
		return err
	}

	b.mux.Lock()
	entry, ok := b.entries[factory]
	b.mux.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mux.Lock()
	if b.entries[factory] != entry {
		b.mux.Unlock()
		return nil
	}
	delete(b.entries, factory)
	module.RemoveXAResourceRecoveryHelper(entry.helper)
	b.metrics.recoveryHelpersChanged(-1)
	b.mux.Unlock()

	if err := entry.helper.conn.Close(); err != nil {
		log.WarnContextf(ctx, "close recovery connection failed, err: %v", err)
	}
	return nil
}

// Len 当前已注册的 helper 数量
func (b *RecoveryBridge) Len() int {
	b.mux.Lock()
	defer b.mux.Unlock()
	var n int
	for _, entry := range b.entries {
		if entry.helper != nil {
			n++
		}
	}
	return n
}
