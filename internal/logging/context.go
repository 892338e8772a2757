package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/Amund211/contentloader/internal/domain"
)

type requestLoggerContextKey struct{}

func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(requestLoggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		fallback := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		fallback = fallback.With(slog.String("logger", "fallback"))
		return fallback
	}
	return logger
}

func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, requestLoggerContextKey{}, logger)
}

func AddMetaToContext(ctx context.Context, args ...slog.Attr) context.Context {
	logger := FromContext(ctx)

	// Convert our []slog.Attr to []any
	anySlice := make([]any, len(args))
	for i, arg := range args {
		anySlice[i] = arg
	}

	withMeta := logger.With(anySlice...)

	return AddToContext(ctx, withMeta)
}

// AddRequestToContext attaches the key of request to the context logger, along
// with its options and id when set.
func AddRequestToContext(ctx context.Context, request domain.Request) context.Context {
	attrs := []slog.Attr{slog.String("key", request.Key)}
	if encoded := request.Options.Encode(); encoded != "" {
		attrs = append(attrs, slog.String("options", encoded))
	}
	if request.ID != domain.NoID {
		attrs = append(attrs, slog.Int("id", request.ID))
	}
	return AddMetaToContext(ctx, attrs...)
}
