package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("address", "bc1q").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("只应输出 warn 级别日志，实际 %d 行", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("日志应为 JSON: %v", err)
	}
	if entry["address"] != "bc1q" || entry["level"] != "warn" || entry["time"] == nil {
		t.Fatalf("日志字段不符合预期: %v", entry)
	}
}

func TestNewLoggerConsoleAndDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "bogus", Format: "console"}, &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("tick complete")
	if !strings.Contains(buf.String(), "tick complete") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("console 格式输出不符合预期: %q", buf.String())
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("未知级别应回退到 info")
	}
}

func TestOutputFor(t *testing.T) {
	if outputFor("stdout") != os.Stdout {
		t.Fatal("stdout 配置应输出到标准输出")
	}
	if outputFor("") != os.Stderr || outputFor("stderr") != os.Stderr {
		t.Fatal("默认应输出到标准错误")
	}
}
