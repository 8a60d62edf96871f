package pkg

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gojta"
)

// NewDB 在数据源交出的连接上构造 gorm 会话。
// 事务由 gojta 管理，这里关闭 gorm 自带的默认事务
func NewDB(conn gojta.Conn, opts ...gorm.Option) (*gorm.DB, error) {
	options := append([]gorm.Option{&gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	}}, opts...)
	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm session, err: %w", err)
	}
	return db, nil
}
