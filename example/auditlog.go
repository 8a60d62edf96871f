package example

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/demdxx/gocast"
	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/example/pkg"
	"github.com/xiaoxuxiansheng/gojta/log"
)

// 一笔事务审计记录的写入状态
type AuditStatus string

func (a AuditStatus) String() string {
	return string(a)
}

const (
	AuditFlushed AuditStatus = "flushed" // 已写入 redis
)

// AuditEntry 一条审计记录
type AuditEntry struct {
	Action string
	Fields map[string]interface{}
}

// String action 之后按字段名排序拼接
func (a AuditEntry) String() string {
	keys := make([]string, 0, len(a.Fields))
	for key := range a.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(a.Action)
	for _, key := range keys {
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(gocast.ToString(a.Fields[key]))
	}
	return b.String()
}

// RedisAuditLog 事务内的审计记录先缓冲，随事务提交写入 redis，回滚则丢弃
type RedisAuditLog struct {
	client      *redis_lock.Client
	integration *gojta.ResourceIntegration
}

func NewRedisAuditLog(client *redis_lock.Client, integration *gojta.ResourceIntegration) *RedisAuditLog {
	return &RedisAuditLog{
		client:      client,
		integration: integration,
	}
}

func (r *RedisAuditLog) Name() string {
	return r.integration.Name()
}

// Record 事务外直接写入
func (r *RedisAuditLog) Record(ctx context.Context, entry AuditEntry) error {
	running, err := r.integration.TransactionRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return r.flush(ctx, uuid.NewString(), []AuditEntry{entry})
	}

	aware, err := r.integration.TransactionAware(ctx)
	if err != nil {
		return err
	}
	participant, ok := aware.(*auditParticipant)
	if !ok || participant == nil {
		participant = newAuditParticipant(ctx, r, gojta.HandleFromContext(ctx).ID())
	}
	if err := r.integration.Associate(ctx, participant, nil); err != nil {
		return err
	}
	participant.append(entry)
	return nil
}

func (r *RedisAuditLog) flush(ctx context.Context, txID string, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// 基于 txID 维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildAuditLockKey(r.Name(), txID), r.client)
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 基于 txID 幂等性去重
	status, err := r.client.Get(ctx, pkg.BuildAuditTXKey(r.Name(), txID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return err
	}
	if status == AuditFlushed.String() {
		return nil
	}

	for seq, entry := range entries {
		if _, err := r.client.Set(ctx, pkg.BuildAuditEntryKey(r.Name(), txID, seq), entry.String()); err != nil {
			return fmt.Errorf("failed to write audit entry %d of tx %s, err: %w", seq, txID, err)
		}
	}
	if _, err := r.client.Set(ctx, pkg.BuildAuditCountKey(r.Name(), txID), gocast.ToString(len(entries))); err != nil {
		return err
	}

	// 状态写入失败不影响已写入的记录
	if _, err := r.client.Set(ctx, pkg.BuildAuditTXKey(r.Name(), txID), AuditFlushed.String()); err != nil {
		log.WarnContextf(ctx, "failed to mark audit entries of tx %s as flushed, err: %v", txID, err)
	}
	return nil
}

// auditParticipant 一笔事务在审计日志下的参与者，只支持单阶段提交
type auditParticipant struct {
	ctx   context.Context
	owner *RedisAuditLog
	txID  string

	mux     sync.Mutex
	entries []AuditEntry
	check   func() bool
}

var _ gojta.TransactionAware = (*auditParticipant)(nil)

func newAuditParticipant(ctx context.Context, owner *RedisAuditLog, txID string) *auditParticipant {
	return &auditParticipant{
		ctx:   context.WithoutCancel(ctx),
		owner: owner,
		txID:  txID,
	}
}

func (a *auditParticipant) append(entry AuditEntry) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *auditParticipant) drain() []AuditEntry {
	a.mux.Lock()
	defer a.mux.Unlock()
	entries := a.entries
	a.entries = nil
	return entries
}

func (a *auditParticipant) TransactionStart() error {
	return nil
}

func (a *auditParticipant) TransactionBeforeCompletion(successful bool) error {
	return nil
}

func (a *auditParticipant) TransactionCommit() error {
	return a.owner.flush(a.ctx, a.txID, a.drain())
}

func (a *auditParticipant) TransactionRollback() error {
	if dropped := a.drain(); len(dropped) > 0 {
		log.DebugContextf(a.ctx, "drop %d audit entries of tx %s", len(dropped), a.txID)
	}
	return nil
}

func (a *auditParticipant) TransactionEnd() error {
	a.drain()
	return nil
}

func (a *auditParticipant) TransactionCheckCallback(check func() bool) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.check = check
}
