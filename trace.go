package gojta

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xiaoxuxiansheng/gojta"

type tracer struct {
	tracer trace.Tracer
}

func newTracer(provider trace.TracerProvider) *tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &tracer{tracer: provider.Tracer(tracerName)}
}

// start 以 gojta.<op> 命名 span，txID 为空时不打属性
func (t *tracer) start(ctx context.Context, op, txID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "gojta."+op)
	if txID != "" {
		span.SetAttributes(attribute.String("gojta.tx_id", txID))
	}
	return ctx, span
}

// end 结束 span，err 非空时记录错误状态
func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
