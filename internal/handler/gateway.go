package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"apifetch-gateway/internal/apifetch"
	"apifetch-gateway/internal/apifetch/middlewares"
	"apifetch-gateway/internal/model"
	"apifetch-gateway/internal/service"
)

// APIPrefix is where the gateway mounts the site's REST API.
const APIPrefix = "/wp-json"

// nonceParamPattern matches nonce query parameters in URLs embedded in error messages.
var nonceParamPattern = regexp.MustCompile(`(?i)(_wpnonce=)[^&\s"]+`)

// GatewayHandler runs inbound requests through the fetch pipeline.
type GatewayHandler struct {
	service *service.FetchService
	logger  *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(svc *service.FetchService, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service: svc,
		logger:  logger.With("component", "gateway_handler"),
	}
}

// Forward handles ANY /wp-json/*. The response body is the pipeline's
// parsed result, so collection requests with per_page=-1 come back merged.
func (h *GatewayHandler) Forward(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.mapError(c, err)
	}

	pr := &model.ProxyRequest{
		Method: req.Method,
		Path:   strings.TrimPrefix(req.URL.Path, APIPrefix),
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return c.NoContent(resp.StatusCode)
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

// Fetch handles POST /fetch: the body describes a pipeline request and the
// result comes back as a model.FetchResponse envelope.
func (h *GatewayHandler) Fetch(c echo.Context) error {
	var fr model.FetchRequest
	if err := c.Bind(&fr); err != nil {
		return c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    "invalid_request",
			Message: "request body must be a JSON fetch descriptor",
		})
	}

	resp, err := h.service.Fetch(c.Request().Context(), &fr)
	if err != nil {
		// Raw callers asked for error statuses as data.
		if raw, ok := apifetch.ResponseOf(err); ok && fr.Raw() {
			return c.JSON(http.StatusOK, service.Envelope(raw))
		}
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, service.Envelope(resp))
}

func (h *GatewayHandler) mapError(c echo.Context, err error) error {
	attrs := []any{
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
		"code", apifetch.ErrorCode(err),
	}
	var be *middlewares.BatchError
	if errors.As(err, &be) {
		attrs = append(attrs, "batch_index", be.Index)
	}
	h.logger.Error("fetch error", attrs...)

	if errors.Is(err, service.ErrNoTarget) {
		return c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    "invalid_request",
			Message: err.Error(),
		})
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return c.JSON(http.StatusGatewayTimeout, model.ErrorResponse{
			Code:    apifetch.CodeFetchError,
			Message: "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, model.ErrorResponse{
			Code:    apifetch.CodeFetchError,
			Message: "client disconnected",
		})
	}

	if raw, ok := apifetch.ResponseOf(err); ok {
		return c.Blob(raw.StatusCode, raw.Header.Get(echo.HeaderContentType), raw.Body)
	}

	var e *apifetch.Error
	if errors.As(err, &e) {
		// invalid_json can arrive with a 2xx status.
		status := e.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		return c.JSON(status, model.ErrorResponse{
			Code:    e.Code,
			Message: e.Message,
			Data:    e.Data,
		})
	}

	return c.JSON(http.StatusBadGateway, model.ErrorResponse{
		Code:    apifetch.CodeFetchError,
		Message: "upstream request failed",
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sanitizeError redacts nonces from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return nonceParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
