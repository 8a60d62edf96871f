package example

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/xiaoxuxiansheng/gojta"
	"github.com/xiaoxuxiansheng/gojta/config"
	"github.com/xiaoxuxiansheng/gojta/datasource"
	"github.com/xiaoxuxiansheng/gojta/example/dao"
	"github.com/xiaoxuxiansheng/gojta/example/pkg"
	"github.com/xiaoxuxiansheng/gojta/jtatest"
	"github.com/xiaoxuxiansheng/gojta/log"
)

const (
	configPath = "gojta.yaml"
	network    = "tcp"
	address    = "请输入 redis ip:port"
	password   = "请输入 redis 密码"
)

func main() {
	conf, err := config.Load(configPath)
	if err != nil {
		fmt.Println(err)
		return
	}
	log.SetDefaultLogger(log.NewSugarLogger(log.NewOptions(conf.Log.Options()...)))

	dsConf, ok := conf.DataSource("db1")
	if !ok {
		fmt.Println("data source db1 is not configured")
		return
	}

	// 内存协调者，仅用于演示
	coordinator := jtatest.NewCoordinator()
	txManager := gojta.NewTXManager(coordinator, conf.ManagerOptions()...)

	dataSource, err := datasource.Open(dsConf.Driver, dsConf.DSN, gojta.NewResourceIntegration(dsConf.Name, txManager), dsConf.Options()...)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer dataSource.Close()

	redisClient := pkg.NewRedisClient(network, address, password)
	auditLog := NewRedisAuditLog(redisClient, gojta.NewResourceIntegration("audit", txManager))

	dataService := NewDataService(gojta.NewTXTemplate(txManager), NewDataRepository(dataSource), WithAuditLog(auditLog))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	value := rand.Int()
	now := time.Now()
	if _, err := dataService.CreateData(ctx, &dao.DataPO{
		ID:             now.UnixMilli(),
		IntegerValue:   value,
		StringValue:    fmt.Sprintf("New Test Data %d", value),
		DateValue:      now,
		TimestampValue: now,
	}); err != nil {
		fmt.Printf("tx failed, err: %v", err)
		return
	}

	records, err := dataService.GetAllData(ctx)
	if err != nil {
		fmt.Printf("query failed, err: %v", err)
		return
	}

	fmt.Printf("success, %d records\n", len(records))
}
