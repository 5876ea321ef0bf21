package middlewares

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"apifetch-gateway/internal/apifetch"
	"apifetch-gateway/internal/metrics"
)

// Logging logs every request at debug level once it completes.
func Logging(logger *slog.Logger) apifetch.Middleware {
	logger = logger.With("component", "pipeline")
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		attrs := []any{
			"method", req.EffectiveMethod(),
			"target", req.Target(),
			"outcome", Outcome(err),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if req.BatchAs != "" {
			attrs = append(attrs, "batch_as", req.BatchAs)
		}
		if err != nil {
			logger.Debug("fetch failed", append(attrs, "error", err)...)
		} else {
			logger.Debug("fetch", attrs...)
		}
		return resp, err
	}
}

// Metrics records pipeline outcomes and latency.
func Metrics(m *metrics.Metrics) apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		method := metrics.NormalizeMethod(req.EffectiveMethod())
		m.PipelineRequests.WithLabelValues(method, Outcome(err)).Inc()
		m.PipelineDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// RateLimit holds requests until limiter admits them. Waiting gives up when
// ctx ends.
func RateLimit(limiter *rate.Limiter) apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// Outcome condenses a pipeline result into a bounded label: "ok", an error
// code, "status_<n>" for raw rejections, "canceled" or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := apifetch.ErrorCode(err); code != "" {
		switch code {
		case apifetch.CodeFetchError, apifetch.CodeInvalidJSON, apifetch.CodeUnknownError,
			apifetch.CodeInvalidNonce, apifetch.CodePostProcess:
			return code
		}
		return "server_error"
	}
	if raw, ok := apifetch.ResponseOf(err); ok {
		return "status_" + strconv.Itoa(raw.StatusCode)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}
