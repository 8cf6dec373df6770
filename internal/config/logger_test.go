package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	// 测试开发环境日志初始化
	devLogger, err := NewLogger("debug", true)
	require.NoError(t, err, "开发环境日志初始化应成功")
	require.NotNil(t, devLogger, "开发环境日志不应为nil")

	// 测试生产环境日志初始化
	prodLogger, err := NewLogger("warn", false)
	require.NoError(t, err, "生产环境日志初始化应成功")
	require.NotNil(t, prodLogger, "生产环境日志不应为nil")

	// 无法解析的级别回退为默认级别
	fallbackLogger, err := NewLogger("not-a-level", false)
	require.NoError(t, err, "无效级别不应导致初始化失败")

	testLoggerMethods(t, devLogger)
	testLoggerMethods(t, prodLogger)
	testLoggerMethods(t, fallbackLogger)
	testLoggerMethods(t, NewNopLogger())
}

func testLoggerMethods(t *testing.T, logger Logger) {
	t.Helper()

	assert.NotPanics(t, func() {
		logger.Debug("测试Debug日志", zap.String("key", "value"))
		logger.Info("测试Info日志", zap.String("key", "value"))
		logger.Warn("测试Warn日志", zap.String("key", "value"))
		logger.Error("测试Error日志", zap.String("key", "value"))
		// 不测试Fatal，它会调用os.Exit
	}, "日志方法不应panic")
}
