package dao

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type DataPO struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	IntegerValue   int       `gorm:"column:integer_value"`
	StringValue    string    `gorm:"column:string_value"`
	DateValue      time.Time `gorm:"column:date_value;type:date"`
	TimestampValue time.Time `gorm:"column:timestamp_value"`
}

func (d DataPO) TableName() string {
	return "data"
}

type DataDAO struct {
	db *gorm.DB
}

func NewDataDAO(db *gorm.DB) *DataDAO {
	return &DataDAO{
		db: db,
	}
}

func (d *DataDAO) GetData(ctx context.Context, opts ...QueryOption) ([]*DataPO, error) {
	db := d.db.WithContext(ctx).Model(&DataPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*DataPO
	return records, db.Scan(&records).Error
}

func (d *DataDAO) CreateData(ctx context.Context, data *DataPO) error {
	return d.db.WithContext(ctx).Model(&DataPO{}).Create(data).Error
}
