package utils

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logger.go - структурированное логирование (zap)
//
// Формат: json (production) или text (console).
// Вывод: stderr или файл с ротацией через lumberjack.
// Если файл недоступен, логгер откатывается на stderr и не паникует.

// LogConfig - настройки логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // путь к файлу; пусто или "stderr"/"stdout" - консоль
	Development bool

	// Ротация файла (используется только при Output = путь)
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger - обёртка над zap.Logger с хелперами предметной области
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер по конфигурации
func InitLogger(cfg LogConfig) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openSink(cfg), zap.NewAtomicLevelAt(parseLevel(cfg.Level)))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// openSink выбирает вывод: консоль или файл с ротацией
func openSink(cfg LogConfig) zapcore.WriteSyncer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr)
	case "stdout":
		return zapcore.Lock(os.Stdout)
	}

	// lumberjack создаёт файл лениво, поэтому проверяем директорию заранее
	if info, err := os.Stat(filepath.Dir(cfg.Output)); err != nil || !info.IsDir() {
		return zapcore.Lock(os.Stderr)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	})
}

// parseLevel переводит строку в уровень zap (по умолчанию info)
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger устанавливает глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер, создавая его при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// NopLogger - логгер без вывода (для тестов и no-op коллабораторов)
func NopLogger() *Logger {
	zl := zap.NewNop()
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.Logger.With(fields...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// WithComponent - дочерний логгер компонента (trailing, milestone, rescue, ...)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithSymbol - дочерний логгер символа
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

// WithContract - дочерний логгер контракта
func (l *Logger) WithContract(key string) *Logger {
	return l.With(Contract(key))
}

// Sugar возвращает sugared логгер для printf-стиля
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции логирования
// ============================================================

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { L().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { L().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { L().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { L().sugar.Errorf(format, args...) }

// ============================================================
// Конструкторы полей предметной области
// ============================================================

func Component(name string) zap.Field   { return zap.String("component", name) }
func Symbol(symbol string) zap.Field    { return zap.String("symbol", symbol) }
func Contract(key string) zap.Field     { return zap.String("contract", key) }
func Side(side string) zap.Field        { return zap.String("side", side) }
func State(state string) zap.Field      { return zap.String("state", state) }
func ROI(roi float64) zap.Field         { return zap.Float64("roi", roi) }
func Price(price float64) zap.Field     { return zap.Float64("price", price) }
func Qty(qty float64) zap.Field         { return zap.Float64("qty", qty) }
func PNL(pnl float64) zap.Field         { return zap.Float64("pnl", pnl) }
func Action(action string) zap.Field    { return zap.String("action", action) }
func Latency(ms float64) zap.Field      { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field     { return zap.String("request_id", id) }

// Field - поле структурированного лога
type Field = zap.Field

// Переэкспорт конструкторов zap, чтобы пакеты не импортировали zap напрямую
var (
	String  = zap.String
	Int     = zap.Int
	Int64   = zap.Int64
	Float64 = zap.Float64
	Bool    = zap.Bool
	Err     = zap.Error
	Any     = zap.Any
	Dur     = zap.Duration
	Time    = zap.Time
)
