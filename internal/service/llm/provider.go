package llm

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ashwinyue/next-search/internal/apperr"
)

// providerModel 把其他 ChatModel 实现的上游错误统一为 ProviderError
type providerModel struct {
	inner model.BaseChatModel
}

// WithProviderErrors 包装 ChatModel，调用失败和流中错误都以 ProviderError 返回
// context 取消 / 超时原样返回
func WithProviderErrors(inner model.BaseChatModel) model.BaseChatModel {
	if inner == nil {
		return nil
	}
	return &providerModel{inner: inner}
}

// Generate 实现 BaseChatModel
func (m *providerModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	msg, err := m.inner.Generate(ctx, input, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}
	return msg, nil
}

// Stream 实现 BaseChatModel
func (m *providerModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	in, err := m.inner.Stream(ctx, input, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer in.Close()
		defer sw.Close()
		for {
			msg, err := in.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, toProviderError(err))
				return
			}
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func toProviderError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || apperr.IsProvider(err) {
		return err
	}
	return &apperr.ProviderError{Provider: ProviderName, Message: err.Error(), Err: err}
}
