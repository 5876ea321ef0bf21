package middlewares

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"apifetch-gateway/internal/apifetch"
)

// UploadAttachmentHeader names the attachment created by an upload whose
// image post-processing failed.
const UploadAttachmentHeader = "X-WP-Upload-Attachment-Id"

const (
	mediaSegment            = "/wp/v2/media"
	DefaultMediaMaxRetries  = 5
	DefaultMediaRetryDelay  = 500 * time.Millisecond
	msgPostProcessExhausted = "Media upload failed. If this is a photo or a large image, please scale it down and try again."
)

// MediaUploadOptions configures the media upload middleware.
type MediaUploadOptions struct {
	// MaxRetries caps the post-processing attempts.
	MaxRetries int
	// RetryDelay is the constant pause between attempts.
	RetryDelay time.Duration
	// OnAttempt is called after each post-processing attempt.
	OnAttempt func(attempt int, err error)

	Logger *slog.Logger
}

// MediaUpload recovers uploads whose attachment was created but whose image
// sub-sizes were not. The post-processing step is retried; when it keeps
// failing the orphaned attachment is deleted and a post_process error is
// returned.
func MediaUpload(opts MediaUploadOptions) apifetch.Middleware {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMediaMaxRetries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "media_upload")

	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		if req.EffectiveMethod() != http.MethodPost || !strings.Contains(req.Target(), mediaSegment) {
			return next(ctx, req)
		}

		upload := req.Clone()
		upload.Raw = true
		resp, err := next(ctx, upload)
		if err == nil {
			return apifetch.ParseResponse(resp, req.Raw)
		}

		failed, ok := apifetch.ResponseOf(err)
		if !ok {
			return nil, err
		}
		id := failed.Header.Get(UploadAttachmentHeader)
		if failed.StatusCode < 500 || id == "" {
			return nil, apifetch.ParseError(failed, req.Raw)
		}

		logger.Info("upload needs post-processing", "attachment_id", id, "status", failed.StatusCode)
		resp, err = postProcess(ctx, req, id, next, opts)
		if err == nil {
			return apifetch.ParseResponse(resp, req.Raw)
		}
		if isAbort(ctx, err) {
			return nil, err
		}

		logger.Warn("post-processing failed, deleting attachment", "attachment_id", id, "error", err)
		cleanup := mediaRequest(req, id, "?force=true")
		cleanup.Method = http.MethodDelete
		if _, derr := next(context.WithoutCancel(ctx), cleanup); derr != nil {
			logger.Warn("attachment cleanup failed", "attachment_id", id, "error", derr)
		}

		if req.Raw {
			return nil, &apifetch.ResponseError{Response: failed}
		}
		return nil, &apifetch.Error{
			Code:    apifetch.CodePostProcess,
			Message: msgPostProcessExhausted,
			Status:  failed.StatusCode,
			Err:     err,
		}
	}
}

// postProcess asks the server to finish the attachment, retrying with a
// constant delay. It returns the last error once the attempts are used up.
func postProcess(ctx context.Context, req *apifetch.Request, id string, next apifetch.Handler, opts MediaUploadOptions) (*apifetch.Response, error) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryDelay), uint64(opts.MaxRetries-1)),
		ctx,
	)

	var (
		resp    *apifetch.Response
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		r := mediaRequest(req, id, "/post-process")
		r.Method = http.MethodPost
		r.Data = map[string]string{"action": "create-image-subsizes"}

		var err error
		resp, err = next(ctx, r)
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt, err)
		}
		if err != nil && isAbort(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// mediaRequest addresses the attachment id under the same media endpoint the
// upload went to, keeping any root URL or rest_route prefix.
func mediaRequest(req *apifetch.Request, id, suffix string) *apifetch.Request {
	r := &apifetch.Request{
		Header:      req.Header.Clone(),
		Raw:         true,
		SkipNonce:   req.SkipNonce,
		Credentials: req.Credentials,
	}
	if r.Header != nil {
		r.Header.Del("Content-Type")
		r.Header.Del("Content-Disposition")
	}
	if req.URL != "" {
		r.URL = attachmentTarget(req.URL, id, suffix)
	}
	if req.Path != "" {
		r.Path = attachmentTarget(req.Path, id, suffix)
	}
	return r
}

func attachmentTarget(target, id, suffix string) string {
	i := strings.Index(target, mediaSegment)
	if i < 0 {
		return target
	}
	prefix := target[:i]
	if strings.Contains(prefix, "?") {
		suffix = strings.Replace(suffix, "?", "&", 1)
	}
	return prefix + mediaSegment + "/" + id + suffix
}

func isAbort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
