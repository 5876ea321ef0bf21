package middlewares

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"apifetch-gateway/internal/apifetch"
)

// TotalPagesHeader reports how many pages a collection spans.
const TotalPagesHeader = "X-WP-TotalPages"

const fetchAllPageSize = 100

// FetchAll expands per_page=-1 into a sequence of per_page=100 requests and
// concatenates the pages, in order, into one JSON array.
//
// Pages are fetched one after the other. A missing or unusable
// X-WP-TotalPages header means there is nothing past page 1. Any failing
// page fails the whole call. Raw requests are passed through untouched.
func FetchAll() apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		if req.Raw || !wantsAllPages(req) {
			return next(ctx, req)
		}

		first := pageRequest(req, 1)
		resp, err := fetchPage(ctx, next, first)
		if err != nil {
			return nil, err
		}

		var items []json.RawMessage
		if err := json.Unmarshal(resp.Body, &items); err != nil {
			// Not a collection: hand back page 1 as is.
			return resp, nil
		}

		total := totalPages(resp.Header)
		for page := 2; page <= total; page++ {
			presp, err := fetchPage(ctx, next, pageRequest(first, page))
			if err != nil {
				return nil, err
			}
			var more []json.RawMessage
			if err := json.Unmarshal(presp.Body, &more); err != nil {
				return nil, fmt.Errorf("fetch all: page %d is not an array: %w", page, err)
			}
			items = append(items, more...)
		}

		body, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("fetch all: encode: %w", err)
		}
		return &apifetch.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}
}

func wantsAllPages(req *apifetch.Request) bool {
	for _, target := range []string{req.Path, req.URL} {
		if v, ok := apifetch.QueryArg(target, "per_page"); ok && v == "-1" {
			return true
		}
	}
	return false
}

// pageRequest derives a raw request for page from req, so that response
// headers stay readable.
func pageRequest(req *apifetch.Request, page int) *apifetch.Request {
	args := url.Values{
		"per_page": {strconv.Itoa(fetchAllPageSize)},
		"page":     {strconv.Itoa(page)},
	}
	r := rewriteTargets(req, func(target string) string {
		return apifetch.AddQueryArgs(target, args)
	})
	if r == req {
		r = req.Clone()
	}
	r.Raw = true
	return r
}

// fetchPage runs a raw page request and decodes it the way a parsed request
// would have been.
func fetchPage(ctx context.Context, next apifetch.Handler, req *apifetch.Request) (*apifetch.Response, error) {
	resp, err := next(ctx, req)
	if err != nil {
		if raw, ok := apifetch.ResponseOf(err); ok {
			return nil, apifetch.ParseError(raw, false)
		}
		return nil, err
	}
	return apifetch.ParseResponse(resp, false)
}

func totalPages(h http.Header) int {
	n, err := strconv.Atoi(h.Get(TotalPagesHeader))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
