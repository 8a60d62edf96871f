package gojta

import (
	"sync"

	"github.com/google/uuid"
)

// AssociationKey 事务标识 + 连接池 key，同一事务在同一连接池下只能有一个参与者
type AssociationKey struct {
	TXID    string
	PoolKey uuid.UUID
}

// ResourceAssociationRegistry 多个事务、多个连接池共享的关联表
type ResourceAssociationRegistry struct {
	mux     sync.RWMutex
	entries map[AssociationKey]TransactionAware
}

func NewResourceAssociationRegistry() *ResourceAssociationRegistry {
	return &ResourceAssociationRegistry{
		entries: make(map[AssociationKey]TransactionAware),
	}
}

// LoadOrStore 原子地查询或写入，loaded 为 true 时返回已存在的参与者
func (r *ResourceAssociationRegistry) LoadOrStore(key AssociationKey, aware TransactionAware) (actual TransactionAware, loaded bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if existing, ok := r.entries[key]; ok {
		return existing, true
	}
	r.entries[key] = aware
	return aware, false
}

func (r *ResourceAssociationRegistry) Load(key AssociationKey) (TransactionAware, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	aware, ok := r.entries[key]
	return aware, ok
}

// CompareAndDelete 仅当 key 仍指向 aware 时删除
func (r *ResourceAssociationRegistry) CompareAndDelete(key AssociationKey, aware TransactionAware) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	if existing, ok := r.entries[key]; !ok || existing != aware {
		return false
	}
	delete(r.entries, key)
	return true
}

func (r *ResourceAssociationRegistry) Delete(key AssociationKey) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.entries, key)
}

func (r *ResourceAssociationRegistry) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.entries)
}
