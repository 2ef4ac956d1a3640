package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================
// Тесты InitLogger
// ============================================================

func TestInitLogger_Defaults(t *testing.T) {
	logger := InitLogger(LogConfig{})

	if logger == nil {
		t.Fatal("InitLogger returned nil")
	}
	if logger.Logger == nil {
		t.Fatal("Logger.Logger is nil")
	}
	if logger.sugar == nil {
		t.Fatal("Logger.sugar is nil")
	}
}

func TestInitLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", "console", ""} {
		t.Run(format, func(t *testing.T) {
			if InitLogger(LogConfig{Level: "debug", Format: format}) == nil {
				t.Fatal("InitLogger returned nil")
			}
		})
	}
}

func TestInitLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskguard.log")

	logger := InitLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: path,
	})

	logger.Info("Test message", zap.String("key", "value"))
	logger.Sync()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("Log entry is not valid JSON: %v", err)
	}
	if entry["msg"] != "Test message" || entry["key"] != "value" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestInitLogger_InvalidFileOutput(t *testing.T) {
	// Несуществующая директория - fallback на stderr, без паники
	logger := InitLogger(LogConfig{
		Level:  "info",
		Output: "/nonexistent/directory/log.txt",
	})

	if logger == nil {
		t.Fatal("InitLogger returned nil for invalid output")
	}
	logger.Info("still works")
}

// ============================================================
// Тесты глобального логгера
// ============================================================

func TestGlobalLogger(t *testing.T) {
	globalMu.Lock()
	globalLogger = nil
	globalMu.Unlock()

	logger := GetGlobalLogger()
	if logger == nil {
		t.Fatal("GetGlobalLogger returned nil")
	}
	if GetGlobalLogger() != logger {
		t.Error("GetGlobalLogger returned different loggers")
	}
	if L() != logger {
		t.Error("L() returned different logger")
	}
}

func TestSetGlobalLogger(t *testing.T) {
	logger := InitLogger(LogConfig{Level: "warn"})
	SetGlobalLogger(logger)

	if GetGlobalLogger() != logger {
		t.Error("SetGlobalLogger did not set the logger")
	}
}

// ============================================================
// Тесты parseLevel
// ============================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.FatalLevel},
		{"invalid", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := parseLevel(tt.input); result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты методов Logger
// ============================================================

func TestLogger_WithHelpers(t *testing.T) {
	logger := InitLogger(LogConfig{Level: "info"})

	tests := []struct {
		name   string
		helper func() *Logger
	}{
		{"With", func() *Logger { return logger.With(zap.String("key", "value")) }},
		{"WithComponent", func() *Logger { return logger.WithComponent("trailing") }},
		{"WithSymbol", func() *Logger { return logger.WithSymbol("BTCUSDT") }},
		{"WithContract", func() *Logger { return logger.WithContract("BTCUSDT:long") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newLogger := tt.helper()
			if newLogger == nil {
				t.Fatalf("%s returned nil", tt.name)
			}
			if newLogger == logger {
				t.Errorf("%s should return a new logger", tt.name)
			}
			if newLogger.Sugar() == nil {
				t.Errorf("%s lost the sugared logger", tt.name)
			}
		})
	}
}

func newBufferLogger(buf *bytes.Buffer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey: "message",
			LevelKey:   "level",
		}),
		zapcore.AddSync(buf),
		zapcore.DebugLevel,
	)
	zl := zap.New(core)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

func TestGlobalLoggingFunctions(t *testing.T) {
	var buf bytes.Buffer
	testLogger := newBufferLogger(&buf)
	SetGlobalLogger(testLogger)
	defer SetGlobalLogger(nil)

	Debug("debug message")
	Info("info message")
	Warnf("warn %s %d", "message", 3)
	Error("error message")
	testLogger.Sync()

	output := buf.String()
	for _, msg := range []string{"debug message", "info message", "warn message 3", "error message"} {
		if !strings.Contains(output, msg) {
			t.Errorf("%q not found in output: %s", msg, output)
		}
	}
}

func TestFieldConstructors(t *testing.T) {
	var buf bytes.Buffer
	testLogger := newBufferLogger(&buf)

	testLogger.Info("test",
		Component("milestone"),
		Symbol("BTCUSDT"),
		Contract("BTCUSDT:long"),
		Side("long"),
		State("tp1"),
		ROI(101.5),
		Price(25000.5),
		Qty(0.25),
		PNL(100.25),
		Action("escape"),
		Latency(15.5),
		RequestID("req-789"),
	)
	testLogger.Sync()

	output := buf.String()
	expected := []string{
		"component", "milestone",
		"symbol", "BTCUSDT",
		"contract", "BTCUSDT:long",
		"side", "long",
		"state", "tp1",
		"roi", "101.5",
		"price", "25000.5",
		"qty", "0.25",
		"pnl", "100.25",
		"action", "escape",
		"latency_ms", "15.5",
		"request_id", "req-789",
	}

	for _, field := range expected {
		if !strings.Contains(output, field) {
			t.Errorf("Field %q not found in output: %s", field, output)
		}
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Info("discarded")
	l.WithComponent("x").Error("discarded")
}
