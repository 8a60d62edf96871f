package jtatest

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/gojta"
)

// Resource 记录调用的 XA 资源
type Resource struct {
	Name string

	mux     sync.Mutex
	calls   []string
	vote    int
	errs    map[string]error
	inDoubt []gojta.Xid
}

var _ gojta.XAResource = (*Resource)(nil)

func NewResource(name string) *Resource {
	return &Resource{
		Name: name,
		vote: gojta.XAOK,
		errs: make(map[string]error),
	}
}

// Fail 指定方法（Start/End/Prepare/Commit/Rollback/Forget/Recover）返回 err
func (r *Resource) Fail(method string, err error) *Resource {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.errs[method] = err
	return r
}

// VoteReadOnly prepare 时投只读票
func (r *Resource) VoteReadOnly() *Resource {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.vote = gojta.XAReadOnly
	return r
}

// InDoubt 设置 Recover 返回的悬挂分支
func (r *Resource) InDoubt(xids ...gojta.Xid) *Resource {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.inDoubt = append(r.inDoubt, xids...)
	return r
}

func (r *Resource) record(method string) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.calls = append(r.calls, method)
	return r.errs[method]
}

// Calls 按顺序返回被调用的方法名
func (r *Resource) Calls() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Resource) Start(ctx context.Context, xid gojta.Xid, flags int) error {
	return r.record("Start")
}

func (r *Resource) End(ctx context.Context, xid gojta.Xid, flags int) error {
	return r.record("End")
}

func (r *Resource) Prepare(ctx context.Context, xid gojta.Xid) (int, error) {
	if err := r.record("Prepare"); err != nil {
		return 0, err
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.vote, nil
}

func (r *Resource) Commit(ctx context.Context, xid gojta.Xid, onePhase bool) error {
	if onePhase {
		return r.record("CommitOnePhase")
	}
	return r.record("Commit")
}

func (r *Resource) Rollback(ctx context.Context, xid gojta.Xid) error {
	if err := r.record("Rollback"); err != nil {
		return err
	}
	r.resolve(xid)
	return nil
}

func (r *Resource) Forget(ctx context.Context, xid gojta.Xid) error {
	return r.record("Forget")
}

func (r *Resource) Recover(ctx context.Context, flags int) ([]gojta.Xid, error) {
	if err := r.record("Recover"); err != nil {
		return nil, err
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]gojta.Xid(nil), r.inDoubt...), nil
}

func (r *Resource) resolve(xid gojta.Xid) {
	r.mux.Lock()
	defer r.mux.Unlock()
	for i, candidate := range r.inDoubt {
		if candidate.Equal(xid) {
			r.inDoubt = append(r.inDoubt[:i], r.inDoubt[i+1:]...)
			return
		}
	}
}

// Participant 记录回调次数的 TransactionAware
type Participant struct {
	mux          sync.Mutex
	started      int
	ended        int
	commits      int
	rolls        int
	before       []bool
	check        func() bool
	rollbackOnly func() bool
	errs         map[string]error
}

var (
	_ gojta.TransactionAware  = (*Participant)(nil)
	_ gojta.RollbackOnlyAware = (*Participant)(nil)
)

func NewParticipant() *Participant {
	return &Participant{errs: make(map[string]error)}
}

// Fail 指定回调返回 err
func (p *Participant) Fail(method string, err error) *Participant {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.errs[method] = err
	return p
}

func (p *Participant) TransactionStart() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.started++
	return p.errs["TransactionStart"]
}

func (p *Participant) TransactionBeforeCompletion(successful bool) error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.before = append(p.before, successful)
	return p.errs["TransactionBeforeCompletion"]
}

func (p *Participant) TransactionCommit() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.commits++
	return p.errs["TransactionCommit"]
}

func (p *Participant) TransactionRollback() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.rolls++
	return p.errs["TransactionRollback"]
}

func (p *Participant) TransactionEnd() error {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.ended++
	return p.errs["TransactionEnd"]
}

func (p *Participant) TransactionCheckCallback(check func() bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.check = check
}

func (p *Participant) TransactionRollbackOnlyCallback(check func() bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.rollbackOnly = check
}

// RollbackOnly 调用注入的 rollback-only 检查，未注入时返回 false
func (p *Participant) RollbackOnly() bool {
	p.mux.Lock()
	check := p.rollbackOnly
	p.mux.Unlock()
	if check == nil {
		return false
	}
	return check()
}

// Running 调用注入的存活检查，未注入时返回 false
func (p *Participant) Running() bool {
	p.mux.Lock()
	check := p.check
	p.mux.Unlock()
	if check == nil {
		return false
	}
	return check()
}

func (p *Participant) Started() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.started
}

func (p *Participant) Ended() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.ended
}

func (p *Participant) Commits() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.commits
}

func (p *Participant) Rollbacks() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.rolls
}
