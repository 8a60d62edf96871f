package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/log"
)

// participant 一条绑定到协调者事务的连接，本地事务在 TransactionStart 时开启
type participant struct {
	ctx  context.Context
	name string
	conn *sql.Conn

	mux          sync.Mutex
	tx           *sql.Tx
	check        func() bool
	rollbackOnly func() bool
}

var (
	_ gojta.TransactionAware  = (*participant)(nil)
	_ gojta.RollbackOnlyAware = (*participant)(nil)
)

func newParticipant(ctx context.Context, name string, conn *sql.Conn) *participant {
	return &participant{
		ctx:  context.WithoutCancel(ctx),
		name: name,
		conn: conn,
	}
}

// TransactionStart 首次调用开启本地事务，之后的调用视为加入
func (p *participant) TransactionStart() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.tx != nil {
		return nil
	}
	tx, err := p.conn.BeginTx(p.ctx, nil)
	if err != nil {
		return err
	}
	p.tx = tx
	return nil
}

func (p *participant) TransactionBeforeCompletion(successful bool) error {
	return nil
}

func (p *participant) TransactionCommit() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.tx == nil {
		return errTxNotStarted
	}
	err := p.tx.Commit()
	p.tx = nil
	return err
}

func (p *participant) TransactionRollback() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.tx == nil {
		return errTxNotStarted
	}
	err := p.tx.Rollback()
	p.tx = nil
	return err
}

// TransactionEnd 未完成的本地事务回滚，连接归还连接池
func (p *participant) TransactionEnd() error {
	return p.release()
}

func (p *participant) TransactionCheckCallback(check func() bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.check = check
}

func (p *participant) TransactionRollbackOnlyCallback(check func() bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.rollbackOnly = check
}

func (p *participant) release() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.tx != nil {
		_ = p.tx.Rollback()
		p.tx = nil
	}
	return p.conn.Close()
}

func (p *participant) handout() gojta.Conn {
	return &boundConn{p: p}
}

// boundConn 交给调用方的连接视图，语句都在本地事务中执行
type boundConn struct {
	p *participant
}

// txOrErr 事务已结束或已被标记为 rollback-only 时拒绝继续执行语句
func (c *boundConn) txOrErr() (*sql.Tx, error) {
	c.p.mux.Lock()
	tx, check, rollbackOnly := c.p.tx, c.p.check, c.p.rollbackOnly
	c.p.mux.Unlock()
	if check != nil && !check() {
		return nil, errTxNotRunning
	}
	if rollbackOnly != nil && rollbackOnly() {
		return nil, fmt.Errorf("%w: data source %s", gojta.ErrUnexpectedRollback, c.p.name)
	}
	if tx == nil {
		return nil, errTxNotStarted
	}
	return tx, nil
}

func (c *boundConn) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	tx, err := c.txOrErr()
	if err != nil {
		return nil, err
	}
	return tx.PrepareContext(ctx, query)
}

func (c *boundConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	tx, err := c.txOrErr()
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, query, args...)
}

func (c *boundConn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	tx, err := c.txOrErr()
	if err != nil {
		return nil, err
	}
	return tx.QueryContext(ctx, query, args...)
}

// QueryRowContext 被拒绝时 *sql.Row 无法携带具体错误，
// 改用已取消的 ctx 执行，使查询在取到连接前失败，具体原因记录在日志中
func (c *boundConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	tx, err := c.txOrErr()
	if err == nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	log.WarnContextf(ctx, "query row rejected on data source %s, err: %v", c.p.name, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	c.p.mux.Lock()
	tx = c.p.tx
	c.p.mux.Unlock()
	if tx != nil {
		return tx.QueryRowContext(canceled, query, args...)
	}
	return c.p.conn.QueryRowContext(canceled, query, args...)
}

// Close 连接由事务结束时归还，这里只释放调用方的引用
func (c *boundConn) Close() error {
	return nil
}
