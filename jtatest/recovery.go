package jtatest

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/log"
)

type RecoveryManager struct {
	modules []gojta.RecoveryModule
}

var _ gojta.RecoveryManager = (*RecoveryManager)(nil)

func NewRecoveryManager(modules ...gojta.RecoveryModule) *RecoveryManager {
	return &RecoveryManager{modules: modules}
}

func (m *RecoveryManager) Modules() []gojta.RecoveryModule {
	return m.modules
}

// Scan 依次执行所有模块的两轮扫描
func (m *RecoveryManager) Scan(ctx context.Context) {
	for _, module := range m.modules {
		module.PeriodicWorkFirstPass(ctx)
	}
	for _, module := range m.modules {
		module.PeriodicWorkSecondPass(ctx)
	}
}

// XARecoveryModule 第一轮收集悬挂分支，第二轮按推定回滚处理
type XARecoveryModule struct {
	mux     sync.Mutex
	helpers []gojta.XAResourceRecoveryHelper
	adds    int
	removes int
	inDoubt map[gojta.XAResource][]gojta.Xid
}

var _ gojta.XARecoveryModule = (*XARecoveryModule)(nil)

func NewXARecoveryModule() *XARecoveryModule {
	return &XARecoveryModule{}
}

func (m *XARecoveryModule) AddXAResourceRecoveryHelper(helper gojta.XAResourceRecoveryHelper) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.adds++
	m.helpers = append(m.helpers, helper)
}

func (m *XARecoveryModule) RemoveXAResourceRecoveryHelper(helper gojta.XAResourceRecoveryHelper) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.removes++
	for i, candidate := range m.helpers {
		if candidate == helper {
			m.helpers = append(m.helpers[:i], m.helpers[i+1:]...)
			return
		}
	}
}

func (m *XARecoveryModule) Helpers() []gojta.XAResourceRecoveryHelper {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]gojta.XAResourceRecoveryHelper(nil), m.helpers...)
}

// Calls 返回注册与注销的次数
func (m *XARecoveryModule) Calls() (adds, removes int) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.adds, m.removes
}

func (m *XARecoveryModule) PeriodicWorkFirstPass(ctx context.Context) {
	inDoubt := make(map[gojta.XAResource][]gojta.Xid)
	for _, helper := range m.Helpers() {
		for _, resource := range helper.XAResources() {
			xids, err := resource.Recover(ctx, gojta.TMStartRScan|gojta.TMEndRScan)
			if err != nil {
				log.WarnContextf(ctx, "recover scan failed, err: %v", err)
				continue
			}
			if len(xids) > 0 {
				inDoubt[resource] = xids
			}
		}
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	m.inDoubt = inDoubt
}

func (m *XARecoveryModule) PeriodicWorkSecondPass(ctx context.Context) {
	m.mux.Lock()
	inDoubt := m.inDoubt
	m.inDoubt = nil
	m.mux.Unlock()

	for resource, xids := range inDoubt {
		for _, xid := range xids {
			if err := resource.Rollback(ctx, xid); err != nil {
				log.WarnContextf(ctx, "rollback in-doubt branch %s failed, err: %v", xid, err)
			}
		}
	}
}

// OtherModule 非 XA 的恢复模块，用于验证模块查找
type OtherModule struct{}

func (OtherModule) PeriodicWorkFirstPass(ctx context.Context) {}

func (OtherModule) PeriodicWorkSecondPass(ctx context.Context) {}

// RecoveryFactory 返回固定 XA 资源的恢复连接工厂
type RecoveryFactory struct {
	Resource gojta.XAResource
	Err      error
	// Gate 非 nil 时打开连接前等待其关闭，模拟缓慢的连接池
	Gate chan struct{}

	mux     sync.Mutex
	opened  int
	closed  int
	waiting int
}

var _ gojta.ResourceRecoveryFactory = (*RecoveryFactory)(nil)

func (f *RecoveryFactory) RecoveryConnection(ctx context.Context) (gojta.XAConnection, error) {
	if f.Gate != nil {
		f.mux.Lock()
		f.waiting++
		f.mux.Unlock()
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mux.Lock()
	defer f.mux.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.opened++
	return &recoveryConnection{factory: f}, nil
}

// Counts 打开与关闭的恢复连接数
func (f *RecoveryFactory) Counts() (opened, closed int) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.opened, f.closed
}

// Waiting 进入 Gate 等待的次数
func (f *RecoveryFactory) Waiting() int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.waiting
}

type recoveryConnection struct {
	factory *RecoveryFactory
}

func (c *recoveryConnection) XAResource() (gojta.XAResource, error) {
	return c.factory.Resource, nil
}

func (c *recoveryConnection) Close() error {
	c.factory.mux.Lock()
	defer c.factory.mux.Unlock()
	c.factory.closed++
	return nil
}
