package gojta

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Conn 数据源交出的连接，gorm 可直接把它当作 ConnPool 使用。
// 事务内拿到的连接已处于本地事务中，Close 只释放调用方的持有，连接在事务结束时归还
type Conn interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	Close() error
}

// DataSource TXManager 取连接的来源
type DataSource interface {
	Conn(ctx context.Context) (Conn, error)
}

type Options struct {
	// 定义未指定超时时使用的默认超时，0 表示协调者默认值
	DefaultTimeout time.Duration
	// 全局 rollback-only 后，参与方是否立刻以 UnexpectedRollback 失败
	FailEarlyOnGlobalRollbackOnly bool
	// 是否允许 NESTED 传播（以新的扁平事务实现）
	NestedTransactionAllowed bool
	DataSource               DataSource
	Registerer               prometheus.Registerer
	TracerProvider           trace.TracerProvider
}

type Option func(*Options)

func WithDefaultTimeout(timeout time.Duration) Option {
	if timeout < 0 {
		timeout = 0
	}

	return func(o *Options) {
		o.DefaultTimeout = timeout
	}
}

func WithFailEarlyOnGlobalRollbackOnly(failEarly bool) Option {
	return func(o *Options) {
		o.FailEarlyOnGlobalRollbackOnly = failEarly
	}
}

func WithNestedTransactionAllowed(allowed bool) Option {
	return func(o *Options) {
		o.NestedTransactionAllowed = allowed
	}
}

func WithDataSource(ds DataSource) Option {
	return func(o *Options) {
		o.DataSource = ds
	}
}

// WithRegisterer 指标注册位置，不设置时指标只在进程内累计
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = registerer
	}
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = provider
	}
}

func newOptions(opts ...Option) *Options {
	options := &Options{
		FailEarlyOnGlobalRollbackOnly: true,
		NestedTransactionAllowed:      true,
	}
	for _, opt := range opts {
		opt(options)
	}
	repair(options)
	return options
}

func repair(o *Options) {
	if o.DefaultTimeout < 0 {
		o.DefaultTimeout = 0
	}
}
