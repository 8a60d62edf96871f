package gojta

import "fmt"

type ErrorKind string

const (
	KindCannotCreateTransaction       ErrorKind = "cannot_create_transaction"
	KindNestedTransactionNotSupported ErrorKind = "nested_transaction_not_supported"
	KindNoTransaction                 ErrorKind = "no_transaction"
	KindUnexpectedRollback            ErrorKind = "unexpected_rollback"
	KindIllegalTransactionState       ErrorKind = "illegal_transaction_state"
	KindTransactionSystem             ErrorKind = "transaction_system"
	KindResourceAssociation           ErrorKind = "resource_association"
	KindIllegalState                  ErrorKind = "illegal_state"
)

// TransactionError adapter 对外抛出的错误，Cause 保留协调者的原始错误
type TransactionError struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *TransactionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// Is 按 Kind 匹配，使 errors.Is(err, ErrUnexpectedRollback) 可用
func (e *TransactionError) Is(target error) bool {
	t, ok := target.(*TransactionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrCannotCreateTransaction       = &TransactionError{Kind: KindCannotCreateTransaction}
	ErrNestedTransactionNotSupported = &TransactionError{Kind: KindNestedTransactionNotSupported}
	ErrNoTransaction                 = &TransactionError{Kind: KindNoTransaction}
	ErrUnexpectedRollback            = &TransactionError{Kind: KindUnexpectedRollback}
	ErrIllegalTransactionState       = &TransactionError{Kind: KindIllegalTransactionState}
	ErrTransactionSystem             = &TransactionError{Kind: KindTransactionSystem}
	ErrResourceAssociation           = &TransactionError{Kind: KindResourceAssociation}

	// 找不到 XA 恢复模块等配置问题
	ErrAdapterIllegalState = &TransactionError{Kind: KindIllegalState}
)

func newError(kind ErrorKind, msg string, cause error) error {
	return &TransactionError{Kind: kind, Msg: msg, Cause: cause}
}
