package pkg

import (
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// 一笔事务审计记录的写入状态，用于幂等去重
func BuildAuditTXKey(name, txID string) string {
	return fmt.Sprintf("auditTXKey:%s:%s", name, txID)
}

// 一笔事务的第 seq 条审计记录
func BuildAuditEntryKey(name, txID string, seq int) string {
	return fmt.Sprintf("auditEntryKey:%s:%s:%d", name, txID, seq)
}

// 一笔事务审计记录的条数
func BuildAuditCountKey(name, txID string) string {
	return fmt.Sprintf("auditCountKey:%s:%s", name, txID)
}

// 构造事务锁 key
func BuildAuditLockKey(name, txID string) string {
	return fmt.Sprintf("auditLockKey:%s:%s", name, txID)
}
