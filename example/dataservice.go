package example

import (
	"context"
	"errors"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/example/dao"
)

// ErrTesting 演示方法在写入数据之后固定返回的错误
var ErrTesting = errors.New("testing 1.. 2.. 3..")

type ServiceOption func(*DataService)

// WithAuditLog 写入数据时同时记录审计日志，作为事务的第二个参与者
func WithAuditLog(audit *RedisAuditLog) ServiceOption {
	return func(d *DataService) {
		d.audit = audit
	}
}

// DataService 用不同的传播行为与回滚规则写入数据
type DataService struct {
	template   *gojta.TXTemplate
	repository *DataRepository
	audit      *RedisAuditLog
}

func NewDataService(template *gojta.TXTemplate, repository *DataRepository, opts ...ServiceOption) *DataService {
	d := &DataService{
		template:   template,
		repository: repository,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateData REQUIRED
func (d *DataService) CreateData(ctx context.Context, data *dao.DataPO) (*dao.DataPO, error) {
	return data, d.template.Execute(ctx, gojta.Definition{
		Name:        "CreateData",
		Propagation: gojta.PropagationRequired,
	}, func(ctx context.Context) error {
		return d.save(ctx, data)
	})
}

// CreateDataWithNewTransactionAndNoRollbackOnError 在新事务中写入，返回的错误不触发回滚
func (d *DataService) CreateDataWithNewTransactionAndNoRollbackOnError(ctx context.Context, data *dao.DataPO) (*dao.DataPO, error) {
	return data, d.template.Execute(ctx, gojta.Definition{
		Name:          "CreateDataWithNewTransactionAndNoRollbackOnError",
		Propagation:   gojta.PropagationRequiresNew,
		NoRollbackFor: []error{ErrTesting},
	}, func(ctx context.Context) error {
		if err := d.save(ctx, data); err != nil {
			return err
		}
		return ErrTesting
	})
}

// CreateDataWithNewTransactionAndRollbackOnError 在新事务中写入后返回错误，新事务回滚，外层事务不受影响
func (d *DataService) CreateDataWithNewTransactionAndRollbackOnError(ctx context.Context, data *dao.DataPO) (*dao.DataPO, error) {
	return data, d.template.Execute(ctx, gojta.Definition{
		Name:        "CreateDataWithNewTransactionAndRollbackOnError",
		Propagation: gojta.PropagationRequiresNew,
	}, func(ctx context.Context) error {
		if err := d.save(ctx, data); err != nil {
			return err
		}
		return ErrTesting
	})
}

// CreateDataWithNoRollbackOnError 加入当前事务写入，返回的错误不触发回滚
func (d *DataService) CreateDataWithNoRollbackOnError(ctx context.Context, data *dao.DataPO) (*dao.DataPO, error) {
	return data, d.template.Execute(ctx, gojta.Definition{
		Name:          "CreateDataWithNoRollbackOnError",
		Propagation:   gojta.PropagationRequired,
		NoRollbackFor: []error{ErrTesting},
	}, func(ctx context.Context) error {
		if err := d.save(ctx, data); err != nil {
			return err
		}
		return ErrTesting
	})
}

// CreateDataWithRollbackOnError 加入当前事务写入后返回错误，整个事务被标记为只能回滚
func (d *DataService) CreateDataWithRollbackOnError(ctx context.Context, data *dao.DataPO) (*dao.DataPO, error) {
	return data, d.template.Execute(ctx, gojta.Definition{
		Name:        "CreateDataWithRollbackOnError",
		Propagation: gojta.PropagationRequired,
	}, func(ctx context.Context) error {
		if err := d.save(ctx, data); err != nil {
			return err
		}
		return ErrTesting
	})
}

// GetAllData SUPPORTS，有事务时在事务内读取
func (d *DataService) GetAllData(ctx context.Context) ([]*dao.DataPO, error) {
	var records []*dao.DataPO
	err := d.template.Execute(ctx, gojta.Definition{
		Name:        "GetAllData",
		Propagation: gojta.PropagationSupports,
		ReadOnly:    true,
	}, func(ctx context.Context) error {
		var err error
		records, err = d.repository.FindAll(ctx)
		return err
	})
	return records, err
}

func (d *DataService) save(ctx context.Context, data *dao.DataPO) error {
	if err := d.repository.Save(ctx, data); err != nil {
		return err
	}
	if d.audit == nil {
		return nil
	}
	return d.audit.Record(ctx, AuditEntry{
		Action: "create_data",
		Fields: map[string]interface{}{
			"id":            data.ID,
			"integer_value": data.IntegerValue,
			"string_value":  data.StringValue,
		},
	})
}
