package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Error(v ...interface{})
	Warn(v ...interface{})
	Info(v ...interface{})
	Debug(v ...interface{})
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	// With 返回携带附加字段的 logger
	With(keysAndValues ...interface{}) Logger
}

var (
	mux           sync.RWMutex
	defaultLogger Logger
)

func init() {
	defaultLogger = NewSugarLogger(NewOptions())
}

// Options 日志配置
type Options struct {
	LogName    string // 日志名称
	LogLevel   string // 日志级别
	FileName   string // 文件名称，为空时输出到 stderr
	MaxAge     int    // 日志保留天数
	MaxSize    int    // 单个文件大小上限，单位 M
	MaxBackups int    // 保留文件个数
	Compress   bool   // 是否压缩
}

type Option func(*Options)

func NewOptions(opts ...Option) Options {
	options := Options{
		LogName:    "gojta",
		LogLevel:   "info",
		FileName:   "gojta.log",
		MaxAge:     10,
		MaxSize:    100,
		MaxBackups: 3,
		Compress:   true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithLogName(name string) Option {
	return func(o *Options) {
		o.LogName = name
	}
}

func WithLogLevel(level string) Option {
	return func(o *Options) {
		o.LogLevel = level
	}
}

// WithFileName 日志文件，传空串表示输出到 stderr
func WithFileName(filename string) Option {
	return func(o *Options) {
		o.FileName = filename
	}
}

func WithMaxAge(days int) Option {
	return func(o *Options) {
		o.MaxAge = days
	}
}

func WithMaxSize(megabytes int) Option {
	return func(o *Options) {
		o.MaxSize = megabytes
	}
}

func WithMaxBackups(backups int) Option {
	return func(o *Options) {
		o.MaxBackups = backups
	}
}

func WithCompress(compress bool) Option {
	return func(o *Options) {
		o.Compress = compress
	}
}

// Levels zapcore level
var Levels = map[string]zapcore.Level{
	"":      zapcore.DebugLevel,
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
	"fatal": zapcore.FatalLevel,
}

type zapLoggerWrapper struct {
	*zap.SugaredLogger
	options Options
}

// NewSugarLogger 基于 zap 构造 logger，文件输出由 lumberjack 负责滚动
func NewSugarLogger(options Options) Logger {
	w := &zapLoggerWrapper{options: options}
	level, ok := Levels[options.LogLevel]
	if !ok {
		level = zapcore.InfoLevel
	}
	core := zapcore.NewCore(w.getEncoder(), w.getLogWriter(), level)
	w.SugaredLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Named(options.LogName).Sugar()
	return w
}

// NewNopLogger 丢弃所有日志，测试中使用
func NewNopLogger() Logger {
	return &zapLoggerWrapper{SugaredLogger: zap.NewNop().Sugar()}
}

func (w *zapLoggerWrapper) With(keysAndValues ...interface{}) Logger {
	return &zapLoggerWrapper{
		SugaredLogger: w.SugaredLogger.With(keysAndValues...),
		options:       w.options,
	}
}

func (w *zapLoggerWrapper) getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func (w *zapLoggerWrapper) getLogWriter() zapcore.WriteSyncer {
	if w.options.FileName == "" {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   w.options.FileName,
		MaxAge:     w.options.MaxAge,
		MaxSize:    w.options.MaxSize,
		MaxBackups: w.options.MaxBackups,
		Compress:   w.options.Compress,
	})
}

// GetDefaultLogger 获取默认日志实现
func GetDefaultLogger() Logger {
	mux.RLock()
	defer mux.RUnlock()
	return defaultLogger
}

// SetDefaultLogger 替换默认日志实现，nil 会被忽略
func SetDefaultLogger(logger Logger) {
	if logger == nil {
		return
	}
	mux.Lock()
	defer mux.Unlock()
	defaultLogger = logger
}

type fieldsKey struct{}

// ContextWithFields 在 ctx 上追加日志字段，*Context 系列方法会自动带上
func ContextWithFields(ctx context.Context, keysAndValues ...interface{}) context.Context {
	if len(keysAndValues) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]interface{})
	fields := make([]interface{}, 0, len(prev)+len(keysAndValues))
	fields = append(fields, prev...)
	fields = append(fields, keysAndValues...)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

func fromContext(ctx context.Context) Logger {
	logger := GetDefaultLogger()
	if ctx == nil {
		return logger
	}
	if fields, _ := ctx.Value(fieldsKey{}).([]interface{}); len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

func Debugf(format string, args ...interface{}) {
	GetDefaultLogger().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	GetDefaultLogger().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	GetDefaultLogger().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	GetDefaultLogger().Errorf(format, args...)
}

func DebugContext(ctx context.Context, args ...interface{}) {
	fromContext(ctx).Debug(args...)
}

func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Debugf(format, args...)
}

func InfoContext(ctx context.Context, args ...interface{}) {
	fromContext(ctx).Info(args...)
}

func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Infof(format, args...)
}

func WarnContext(ctx context.Context, args ...interface{}) {
	fromContext(ctx).Warn(args...)
}

func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Warnf(format, args...)
}

func ErrorContext(ctx context.Context, args ...interface{}) {
	fromContext(ctx).Error(args...)
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	fromContext(ctx).Errorf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	Errorf(format, args...)
}
