package example

import (
	"context"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/example/dao"
	"github.com/xiaoxuxiansheng/gojta/example/pkg"
	"github.com/xiaoxuxiansheng/gojta/log"
)

// DataRepository 每次操作从数据源取连接，事务内取到的是与事务绑定的连接
type DataRepository struct {
	dataSource gojta.DataSource
}

func NewDataRepository(dataSource gojta.DataSource) *DataRepository {
	return &DataRepository{
		dataSource: dataSource,
	}
}

func (d *DataRepository) Save(ctx context.Context, data *dao.DataPO) error {
	return d.withDAO(ctx, func(dataDAO *dao.DataDAO) error {
		return dataDAO.CreateData(ctx, data)
	})
}

func (d *DataRepository) FindAll(ctx context.Context, opts ...dao.QueryOption) ([]*dao.DataPO, error) {
	var records []*dao.DataPO
	err := d.withDAO(ctx, func(dataDAO *dao.DataDAO) error {
		var err error
		records, err = dataDAO.GetData(ctx, opts...)
		return err
	})
	return records, err
}

func (d *DataRepository) withDAO(ctx context.Context, do func(dataDAO *dao.DataDAO) error) error {
	conn, err := d.dataSource.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.WarnContextf(ctx, "close connection failed, err: %v", err)
		}
	}()

	db, err := pkg.NewDB(conn)
	if err != nil {
		return err
	}
	return do(dao.NewDataDAO(db))
}
