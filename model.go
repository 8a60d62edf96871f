package gojta

import (
	"errors"
	"fmt"
	"time"
)

// 协调者侧的事务状态，取值沿用 JTA 的编号
type Status int

const (
	StatusActive         Status = 0
	StatusMarkedRollback Status = 1
	StatusPrepared       Status = 2
	StatusCommitted      Status = 3
	StatusRolledBack     Status = 4
	StatusUnknown        Status = 5
	StatusNoTransaction  Status = 6
	StatusPreparing      Status = 7
	StatusCommitting     Status = 8
	StatusRollingBack    Status = 9
	// 以下为启发式结果，JTA 只以异常形式给出，这里统一成状态
	StatusHeuristicRollback Status = 10
	StatusHeuristicMixed    Status = 11
	StatusHeuristicHazard   Status = 12
)

var statusNames = map[Status]string{
	StatusActive:            "ACTIVE",
	StatusMarkedRollback:    "MARKED_ROLLBACK",
	StatusPrepared:          "PREPARED",
	StatusCommitted:         "COMMITTED",
	StatusRolledBack:        "ROLLED_BACK",
	StatusUnknown:           "UNKNOWN",
	StatusNoTransaction:     "NO_TRANSACTION",
	StatusPreparing:         "PREPARING",
	StatusCommitting:        "COMMITTING",
	StatusRollingBack:       "ROLLING_BACK",
	StatusHeuristicRollback: "HEURISTIC_ROLLBACK",
	StatusHeuristicMixed:    "HEURISTIC_MIXED",
	StatusHeuristicHazard:   "HEURISTIC_HAZARD",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// 归一化之后交给监听器的完成结果
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeUnknown    Outcome = "unknown"
)

func (o Outcome) String() string {
	return string(o)
}

// outcomeOf 协调者完成状态 -> 监听器结果
func outcomeOf(status Status) Outcome {
	switch status {
	case StatusCommitted:
		return OutcomeCommitted
	case StatusRolledBack:
		return OutcomeRolledBack
	default:
		return OutcomeUnknown
	}
}

type checkKind int

const (
	checkNoTransaction checkKind = iota
	checkActive
	checkMarkedRollback
	checkRolledBack
	checkHeuristic
	checkUnknown
)

type HeuristicKind string

const (
	HeuristicRollback HeuristicKind = "rollback"
	HeuristicMixed    HeuristicKind = "mixed"
	HeuristicHazard   HeuristicKind = "hazard"
)

// statusCheck 每次操作开始时对协调者状态的一次判定
type statusCheck struct {
	kind      checkKind
	heuristic HeuristicKind
	status    Status
}

func checkStatus(status Status) statusCheck {
	c := statusCheck{status: status}
	switch status {
	case StatusNoTransaction:
		c.kind = checkNoTransaction
	case StatusActive, StatusPreparing, StatusPrepared, StatusCommitting, StatusCommitted, StatusRollingBack:
		c.kind = checkActive
	case StatusMarkedRollback:
		c.kind = checkMarkedRollback
	case StatusRolledBack:
		c.kind = checkRolledBack
	case StatusHeuristicRollback:
		c.kind, c.heuristic = checkHeuristic, HeuristicRollback
	case StatusHeuristicMixed:
		c.kind, c.heuristic = checkHeuristic, HeuristicMixed
	case StatusHeuristicHazard:
		c.kind, c.heuristic = checkHeuristic, HeuristicHazard
	default:
		c.kind = checkUnknown
	}
	return c
}

func (c statusCheck) rollbackOnly() bool {
	return c.kind == checkMarkedRollback || c.kind == checkRolledBack
}

// 事务传播行为
type Propagation int

const (
	PropagationRequired Propagation = iota
	PropagationSupports
	PropagationMandatory
	PropagationRequiresNew
	PropagationNotSupported
	PropagationNever
	PropagationNested
)

var propagationNames = map[Propagation]string{
	PropagationRequired:     "REQUIRED",
	PropagationSupports:     "SUPPORTS",
	PropagationMandatory:    "MANDATORY",
	PropagationRequiresNew:  "REQUIRES_NEW",
	PropagationNotSupported: "NOT_SUPPORTED",
	PropagationNever:        "NEVER",
	PropagationNested:       "NESTED",
}

func (p Propagation) String() string {
	if name, ok := propagationNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PROPAGATION(%d)", int(p))
}

// 隔离级别，协调者只接受 IsolationDefault
type Isolation int

const (
	IsolationDefault Isolation = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

var isolationNames = map[Isolation]string{
	IsolationDefault:         "DEFAULT",
	IsolationReadUncommitted: "READ_UNCOMMITTED",
	IsolationReadCommitted:   "READ_COMMITTED",
	IsolationRepeatableRead:  "REPEATABLE_READ",
	IsolationSerializable:    "SERIALIZABLE",
}

func (i Isolation) String() string {
	if name, ok := isolationNames[i]; ok {
		return name
	}
	return fmt.Sprintf("ISOLATION(%d)", int(i))
}

// TimeoutDefault 表示沿用 manager 配置的默认超时
const TimeoutDefault time.Duration = 0

// Definition 一次事务作用域的定义
type Definition struct {
	Name        string
	Propagation Propagation
	Isolation   Isolation
	// 为 TimeoutDefault 时使用 manager 的默认超时
	Timeout  time.Duration
	ReadOnly bool
	// 业务返回这些错误时（errors.Is 匹配）仍然提交，其余错误一律回滚
	NoRollbackFor []error
}

// DefaultDefinition REQUIRED + 默认隔离级别 + 默认超时
func DefaultDefinition() Definition {
	return Definition{Propagation: PropagationRequired}
}

func (d Definition) rollbackOn(err error) bool {
	for _, target := range d.NoRollbackFor {
		if target != nil && errors.Is(err, target) {
			return false
		}
	}
	return true
}
