// Package datasource 把 *sql.DB 连接池接入 gojta 事务。
// 连接的生命周期与协调者事务一一绑定：事务内第一次取连接时开启本地事务并登记到协调者，
// 同一事务内后续取到的都是这条连接，事务结束时本地事务随之提交或回滚，连接归还连接池
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/log"
)

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type Option func(*Options)

func WithMaxOpenConns(n int) Option {
	return func(o *Options) {
		o.MaxOpenConns = n
	}
}

func WithMaxIdleConns(n int) Option {
	return func(o *Options) {
		o.MaxIdleConns = n
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *Options) {
		o.ConnMaxLifetime = d
	}
}

func WithConnMaxIdleTime(d time.Duration) Option {
	return func(o *Options) {
		o.ConnMaxIdleTime = d
	}
}

func repair(o *Options) {
	if o.MaxOpenConns < 0 {
		o.MaxOpenConns = 0
	}
	if o.MaxIdleConns < 0 {
		o.MaxIdleConns = 0
	}
	// 空闲连接数不能超过最大连接数
	if o.MaxOpenConns > 0 && o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = o.MaxOpenConns
	}
}

// DataSource 事务感知的数据源
type DataSource struct {
	db          *sql.DB
	integration *gojta.ResourceIntegration
}

var _ gojta.DataSource = (*DataSource)(nil)

// New 包装已打开的连接池
func New(db *sql.DB, integration *gojta.ResourceIntegration, opts ...Option) *DataSource {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	repair(options)

	if options.MaxOpenConns > 0 {
		db.SetMaxOpenConns(options.MaxOpenConns)
	}
	if options.MaxIdleConns > 0 {
		db.SetMaxIdleConns(options.MaxIdleConns)
	}
	if options.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(options.ConnMaxLifetime)
	}
	if options.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(options.ConnMaxIdleTime)
	}

	return &DataSource{
		db:          db,
		integration: integration,
	}
}

// Open 打开 driverName/dsn 对应的连接池并包装
func Open(driverName, dsn string, integration *gojta.ResourceIntegration, opts ...Option) (*DataSource, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return New(db, integration, opts...), nil
}

func (d *DataSource) DB() *sql.DB {
	return d.db
}

func (d *DataSource) Name() string {
	return d.integration.Name()
}

func (d *DataSource) Integration() *gojta.ResourceIntegration {
	return d.integration
}

func (d *DataSource) Stats() sql.DBStats {
	return d.db.Stats()
}

func (d *DataSource) Close() error {
	return d.db.Close()
}

// Conn 事务外返回普通的自动提交连接；事务内返回与事务绑定的连接
func (d *DataSource) Conn(ctx context.Context) (gojta.Conn, error) {
	running, err := d.integration.TransactionRunning(ctx)
	if err != nil {
		return nil, err
	}
	if !running {
		conn, err := d.db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	aware, err := d.integration.TransactionAware(ctx)
	if err != nil {
		return nil, err
	}
	if bound, ok := aware.(*participant); ok && bound != nil {
		if err := d.integration.Associate(ctx, bound, nil); err != nil {
			return nil, err
		}
		return bound.handout(), nil
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	p := newParticipant(ctx, d.integration.Name(), conn)
	if err := d.integration.Associate(ctx, p, nil); err != nil {
		if closeErr := p.release(); closeErr != nil {
			log.WarnContextf(ctx, "release connection of data source %s failed, err: %v", d.Name(), closeErr)
		}
		return nil, err
	}
	return p.handout(), nil
}

var (
	errTxNotStarted = errors.New("datasource: local transaction is not started")
	errTxNotRunning = errors.New("datasource: transaction is no longer running")
)
