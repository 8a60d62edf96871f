package gojta_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/jtatest"
)

func Test_RecoveryBridge(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "addIsIdempotent",
			f: func(t *testing.T) {
				module := jtatest.NewXARecoveryModule()
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(jtatest.OtherModule{}, module))
				factory := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders")}

				require.NoError(t, bridge.Add(ctx, factory))
				require.NoError(t, bridge.Add(ctx, factory))
				adds, removes := module.Calls()
				assert.Equal(t, 1, adds)
				assert.Equal(t, 0, removes)
				assert.Equal(t, 1, bridge.Len())
				opened, _ := factory.Counts()
				assert.Equal(t, 1, opened)

				helpers := module.Helpers()
				require.Len(t, helpers, 1)
				assert.Equal(t, []gojta.XAResource{factory.Resource}, helpers[0].XAResources())
			},
		},
		{
			name: "removeIsSymmetric",
			f: func(t *testing.T) {
				module := jtatest.NewXARecoveryModule()
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(module))
				factory := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders")}
				unknown := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("audit")}

				require.NoError(t, bridge.Add(ctx, factory))
				require.NoError(t, bridge.Remove(ctx, unknown))
				require.NoError(t, bridge.Remove(ctx, factory))
				require.NoError(t, bridge.Remove(ctx, factory))

				adds, removes := module.Calls()
				assert.Equal(t, 1, adds)
				assert.Equal(t, 1, removes)
				assert.Empty(t, module.Helpers())
				assert.Equal(t, 0, bridge.Len())
				opened, closed := factory.Counts()
				assert.Equal(t, 1, opened)
				assert.Equal(t, 1, closed)

				// 移除后可以重新注册
				require.NoError(t, bridge.Add(ctx, factory))
				adds, _ = module.Calls()
				assert.Equal(t, 2, adds)
			},
		},
		{
			name: "concurrentAdd",
			f: func(t *testing.T) {
				module := jtatest.NewXARecoveryModule()
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(module))
				factory := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders")}

				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, bridge.Add(ctx, factory))
					}()
				}
				wg.Wait()

				adds, _ := module.Calls()
				assert.Equal(t, 1, adds)
			},
		},
		{
			name: "slowFactoryDoesNotBlockOthers",
			f: func(t *testing.T) {
				module := jtatest.NewXARecoveryModule()
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(module))
				slow := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders"), Gate: make(chan struct{})}
				fast := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("audit")}

				var wg sync.WaitGroup
				for i := 0; i < 2; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, bridge.Add(ctx, slow))
					}()
				}
				require.Eventually(t, func() bool { return slow.Waiting() == 1 }, time.Second, time.Millisecond)

				// 慢工厂创建期间，其他工厂照常注册
				require.NoError(t, bridge.Add(ctx, fast))
				assert.Equal(t, 1, bridge.Len())

				// 同一工厂的并发调用等待创建结果，不会重复打开连接
				close(slow.Gate)
				wg.Wait()
				assert.Equal(t, 2, bridge.Len())
				assert.Equal(t, 1, slow.Waiting())
				opened, _ := slow.Counts()
				assert.Equal(t, 1, opened)
				adds, _ := module.Calls()
				assert.Equal(t, 2, adds)
			},
		},
		{
			name: "canceledWhileInFlight",
			f: func(t *testing.T) {
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(jtatest.NewXARecoveryModule()))
				slow := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders"), Gate: make(chan struct{})}

				done := make(chan error, 1)
				go func() { done <- bridge.Add(ctx, slow) }()
				require.Eventually(t, func() bool { return slow.Waiting() == 1 }, time.Second, time.Millisecond)

				canceled, cancel := context.WithCancel(ctx)
				cancel()
				assert.ErrorIs(t, bridge.Add(canceled, slow), context.Canceled)
				assert.ErrorIs(t, bridge.Remove(canceled, slow), context.Canceled)

				close(slow.Gate)
				require.NoError(t, <-done)
				require.NoError(t, bridge.Remove(ctx, slow))
				assert.Equal(t, 0, bridge.Len())
			},
		},
		{
			name: "noXAModule",
			f: func(t *testing.T) {
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(jtatest.OtherModule{}))
				factory := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders")}

				assert.ErrorIs(t, bridge.Add(ctx, factory), gojta.ErrAdapterIllegalState)
				assert.ErrorIs(t, bridge.Remove(ctx, factory), gojta.ErrAdapterIllegalState)
				assert.ErrorIs(t, gojta.NewRecoveryBridge(nil).Add(ctx, factory), gojta.ErrAdapterIllegalState)
			},
		},
		{
			name: "factoryFailure",
			f: func(t *testing.T) {
				module := jtatest.NewXARecoveryModule()
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(module))
				factory := &jtatest.RecoveryFactory{Err: gojta.ErrSystem}

				err := bridge.Add(ctx, factory)
				assert.ErrorIs(t, err, gojta.ErrTransactionSystem)
				assert.ErrorIs(t, err, gojta.ErrSystem)
				assert.Equal(t, 0, bridge.Len())
				assert.Empty(t, module.Helpers())
			},
		},
		{
			name: "metrics",
			f: func(t *testing.T) {
				registry := prometheus.NewRegistry()
				module := jtatest.NewXARecoveryModule()
				bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(module), gojta.WithRegisterer(registry))
				f1 := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders")}
				f2 := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("audit")}

				require.NoError(t, bridge.Add(ctx, f1))
				require.NoError(t, bridge.Add(ctx, f2))
				require.NoError(t, bridge.Remove(ctx, f1))
				assert.Equal(t, float64(1), counterValue(t, registry, "gojta_recovery_helpers", nil))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_RecoveryBridge_Scan(t *testing.T) {
	ctx := context.Background()
	module := jtatest.NewXARecoveryModule()
	recoveryManager := jtatest.NewRecoveryManager(module)
	bridge := gojta.NewRecoveryBridge(recoveryManager)

	inDoubt := gojta.Xid{FormatID: 1, GlobalTxnID: []byte("gtrid"), BranchQualID: []byte("b1")}
	resource := jtatest.NewResource("orders").InDoubt(inDoubt)
	_, manager := newManager()
	integration := gojta.NewResourceIntegration("orders", manager, gojta.WithRecoveryBridge(bridge))
	require.NoError(t, integration.AddResourceRecoveryFactory(ctx, &jtatest.RecoveryFactory{Resource: resource}))

	recoveryManager.Scan(ctx)
	assert.Equal(t, []string{"Recover", "Rollback"}, resource.Calls())

	// 悬挂分支已处理，再次扫描不会重复回滚
	recoveryManager.Scan(ctx)
	assert.Equal(t, []string{"Recover", "Rollback", "Recover"}, resource.Calls())
}

func Test_ResourceIntegration_RecoveryFactory(t *testing.T) {
	ctx := context.Background()
	_, manager := newManager()
	factory := &jtatest.RecoveryFactory{Resource: jtatest.NewResource("orders")}

	integration := gojta.NewResourceIntegration("orders", manager)
	assert.ErrorIs(t, integration.AddResourceRecoveryFactory(ctx, factory), gojta.ErrAdapterIllegalState)
	assert.ErrorIs(t, integration.RemoveResourceRecoveryFactory(ctx, factory), gojta.ErrAdapterIllegalState)

	// 多个连接池共享同一个 bridge
	module := jtatest.NewXARecoveryModule()
	bridge := gojta.NewRecoveryBridge(jtatest.NewRecoveryManager(module))
	orders := gojta.NewResourceIntegration("orders", manager, gojta.WithRecoveryBridge(bridge))
	audit := gojta.NewResourceIntegration("audit", manager, gojta.WithRecoveryBridge(bridge))

	require.NoError(t, orders.AddResourceRecoveryFactory(ctx, factory))
	require.NoError(t, audit.AddResourceRecoveryFactory(ctx, factory))
	assert.Equal(t, 1, bridge.Len())
	require.NoError(t, audit.RemoveResourceRecoveryFactory(ctx, factory))
	assert.Equal(t, 0, bridge.Len())
	adds, removes := module.Calls()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
}
