// Package callback 提供 Eino Callback 日志支持
// 使用 eino-ext 客户端时，模型调用的开始、结束和错误写入 zap 日志
package callback

import (
	"context"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"

	"github.com/ashwinyue/next-search/internal/logger"
)

// Logger 日志回调处理器
// 实现 callbacks.Handler 接口
type Logger struct {
	log         *logger.Logger
	EnableDebug bool // 是否记录开始 / 结束事件，错误始终记录
}

var _ callbacks.Handler = (*Logger)(nil)

// NewLogger 创建日志回调处理器
func NewLogger(log *logger.Logger, enableDebug bool) *Logger {
	if log == nil {
		log = logger.NewNop()
	}
	return &Logger{log: log, EnableDebug: enableDebug}
}

// OnStart 组件执行开始时调用
func (l *Logger) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	if l.EnableDebug {
		l.log.Debug("eino component start", l.fields(info)...)
	}
	return ctx
}

// OnEnd 组件执行成功结束时调用
func (l *Logger) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	if l.EnableDebug {
		l.log.Debug("eino component end", l.fields(info)...)
	}
	return ctx
}

// OnError 组件执行出错时调用
func (l *Logger) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	l.log.Warn("eino component error", append(l.fields(info), "error", err)...)
	return ctx
}

// OnStartWithStreamInput 流式输入开始时调用
func (l *Logger) OnStartWithStreamInput(ctx context.Context, info *callbacks.RunInfo, input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
	input.Close()
	if l.EnableDebug {
		l.log.Debug("eino stream input start", l.fields(info)...)
	}
	return ctx
}

// OnEndWithStreamOutput 流式输出结束时调用
func (l *Logger) OnEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo, output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	output.Close()
	if l.EnableDebug {
		l.log.Debug("eino stream output start", l.fields(info)...)
	}
	return ctx
}

func (l *Logger) fields(info *callbacks.RunInfo) []interface{} {
	if info == nil {
		return nil
	}
	return []interface{}{"name", info.Name, "type", info.Type, "component", string(info.Component)}
}

// SetupGlobalCallbacks 注册全局回调
func SetupGlobalCallbacks(log *logger.Logger, enableDebug bool) {
	callbacks.AppendGlobalHandlers(NewLogger(log, enableDebug))
}
