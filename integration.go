package gojta

import (
	"context"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/gojta/log"
)

// ResourceIntegration 把一个连接池接入协调者事务。
// 每个实例持有一个随机 key，与事务标识一起决定关联表中的位置
type ResourceIntegration struct {
	name     string
	key      uuid.UUID
	manager  *TXManager
	recovery *RecoveryBridge
}

type IntegrationOption func(*ResourceIntegration)

// WithRecoveryBridge 进程内共享的恢复 bridge
func WithRecoveryBridge(bridge *RecoveryBridge) IntegrationOption {
	return func(r *ResourceIntegration) {
		r.recovery = bridge
	}
}

func NewResourceIntegration(name string, manager *TXManager, opts ...IntegrationOption) *ResourceIntegration {
	integration := &ResourceIntegration{
		name:    name,
		key:     uuid.New(),
		manager: manager,
	}
	for _, opt := range opts {
		opt(integration)
	}
	return integration
}

func (r *ResourceIntegration) Name() string {
	return r.name
}

func (r *ResourceIntegration) Key() uuid.UUID {
	return r.key
}

func (r *ResourceIntegration) Manager() *TXManager {
	return r.manager
}

// current ctx 中正在运行的事务，没有时返回 nil
func (r *ResourceIntegration) current(ctx context.Context) (Transaction, Status, error) {
	h := HandleFromContext(ctx)
	tx := h.Transaction()
	if tx == nil {
		return nil, StatusNoTransaction, nil
	}
	status, err := tx.Status(ctx)
	if err != nil {
		return nil, StatusUnknown, err
	}
	if status == StatusNoTransaction {
		return nil, status, nil
	}
	return tx, status, nil
}

// TransactionRunning ctx 中是否有正在运行的事务
func (r *ResourceIntegration) TransactionRunning(ctx context.Context) (bool, error) {
	tx, _, err := r.current(ctx)
	if err != nil {
		return false, newError(KindResourceAssociation, "failed to read the transaction status", err)
	}
	return tx != nil, nil
}

// Associate 同一事务在本连接池下第一次关联时登记资源，之后只通知参与者加入
func (r *ResourceIntegration) Associate(ctx context.Context, aware TransactionAware, xaResource XAResource) error {
	tx, status, err := r.current(ctx)
	if err != nil {
		return newError(KindResourceAssociation, "failed to associate the connection with an existing transaction", err)
	}

	if tx != nil {
		if r.manager.FailEarlyOnGlobalRollbackOnly() && checkStatus(status).rollbackOnly() {
			return newError(KindUnexpectedRollback, "transaction has been marked as rollback-only", nil)
		}
		if err := r.enlist(ctx, tx, aware, xaResource); err != nil {
			return err
		}
	}

	checkCtx := context.WithoutCancel(ctx)
	aware.TransactionCheckCallback(func() bool {
		running, err := r.TransactionRunning(checkCtx)
		if err != nil {
			log.WarnContextf(checkCtx, "transaction liveness check failed, data source: %s, err: %v", r.name, err)
		}
		return running
	})
	if rollbackOnlyAware, ok := aware.(RollbackOnlyAware); ok && r.manager.FailEarlyOnGlobalRollbackOnly() {
		rollbackOnlyAware.TransactionRollbackOnlyCallback(func() bool {
			_, status, err := r.current(checkCtx)
			if err != nil {
				log.WarnContextf(checkCtx, "transaction rollback-only check failed, data source: %s, err: %v", r.name, err)
				return false
			}
			return checkStatus(status).rollbackOnly()
		})
	}
	return nil
}

func (r *ResourceIntegration) enlist(ctx context.Context, tx Transaction, aware TransactionAware, xaResource XAResource) error {
	key := r.associationKey(tx)
	registry := r.manager.registry

	if _, loaded := registry.LoadOrStore(key, aware); loaded {
		if err := aware.TransactionStart(); err != nil {
			return newError(KindResourceAssociation, "failed to join the existing transaction", err)
		}
		r.manager.metrics.enlisted(r.name, true)
		return nil
	}

	end := &endSynchronization{
		ctx:      context.WithoutCancel(ctx),
		name:     r.name,
		registry: registry,
		key:      key,
		aware:    aware,
	}
	if err := tx.RegisterInterposedSynchronization(ctx, end); err != nil {
		registry.CompareAndDelete(key, aware)
		return newError(KindResourceAssociation, "failed to associate the connection with an existing transaction", err)
	}

	var resource XAResource
	if xaResource != nil {
		resource = newTransactionAwareXAResource(r.name, aware, xaResource)
	} else {
		resource = newLocalXAResource(r.name, aware)
	}
	if err := tx.EnlistResource(ctx, resource); err != nil {
		registry.CompareAndDelete(key, aware)
		return newError(KindResourceAssociation, "failed to enlist the connection with an existing transaction", err)
	}

	log.DebugContextf(ctx, "data source %s enlisted in transaction %s", r.name, tx.ID())
	r.manager.metrics.enlisted(r.name, false)
	return nil
}

// Disassociate 清除当前事务下的关联，调用方随后可把连接视为不受事务约束
func (r *ResourceIntegration) Disassociate(ctx context.Context, aware TransactionAware) (bool, error) {
	tx, _, err := r.current(ctx)
	if err != nil {
		return false, newError(KindResourceAssociation, "failed to disassociate the connection", err)
	}
	if tx != nil {
		r.manager.registry.Delete(r.associationKey(tx))
	}
	return true, nil
}

// TransactionAware 当前事务在本连接池下关联的参与者，没有事务时返回 nil
func (r *ResourceIntegration) TransactionAware(ctx context.Context) (TransactionAware, error) {
	tx, _, err := r.current(ctx)
	if err != nil {
		return nil, newError(KindResourceAssociation, "failed to read the transaction status", err)
	}
	if tx == nil {
		return nil, nil
	}
	aware, _ := r.manager.registry.Load(r.associationKey(tx))
	return aware, nil
}

func (r *ResourceIntegration) AddResourceRecoveryFactory(ctx context.Context, factory ResourceRecoveryFactory) error {
	if r.recovery == nil {
		return newError(KindIllegalState, "no recovery bridge is configured for data source "+r.name, nil)
	}
	return r.recovery.Add(ctx, factory)
}

func (r *ResourceIntegration) RemoveResourceRecoveryFactory(ctx context.Context, factory ResourceRecoveryFactory) error {
	if r.recovery == nil {
		return newError(KindIllegalState, "no recovery bridge is configured for data source "+r.name, nil)
	}
	return r.recovery.Remove(ctx, factory)
}

func (r *ResourceIntegration) associationKey(tx Transaction) AssociationKey {
	return AssociationKey{TXID: tx.ID(), PoolKey: r.key}
}

// endSynchronization 事务结束时释放关联并通知参与者
type endSynchronization struct {
	ctx      context.Context
	name     string
	registry *ResourceAssociationRegistry
	key      AssociationKey
	aware    TransactionAware
}

func (s *endSynchronization) BeforeCompletion() {}

func (s *endSynchronization) AfterCompletion(status Status) {
	s.registry.CompareAndDelete(s.key, s.aware)
	if err := s.aware.TransactionEnd(); err != nil {
		log.WarnContextf(s.ctx, "data source %s failed to end transaction, status: %s, err: %v", s.name, status, err)
	}
}
