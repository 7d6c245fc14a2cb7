package infrastructure

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
)

// HTTPFetcher implements domain.Fetcher on net/http. Compression is
// disabled on the transport so Range offsets and Content-Length refer to
// the raw bytes being stored.
type HTTPFetcher struct {
	client *http.Client
}

// HTTPFetcherOptions configures the fetcher transport.
type HTTPFetcherOptions struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests. Zero means no timeout; the engine
	// relies on context cancellation instead.
	Timeout time.Duration
}

// NewHTTPFetcher creates a fetcher with the given options.
func NewHTTPFetcher(opts HTTPFetcherOptions) *HTTPFetcher {
	if opts.MaxIdleConnsPerHost == 0 {
		opts.MaxIdleConnsPerHost = 100
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // We want raw bytes for range requests
	}

	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
	}
}

// Head probes url for size, range support and content type.
func (f *HTTPFetcher) Head(ctx context.Context, url string) (*domain.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, &domain.TransportError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wrapTransportErr(ctx, url, err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	return &domain.FileInfo{
		TotalBytes:     contentLength(resp.Header),
		SupportsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		MimeType:       mimeFromHeader(resp.Header),
	}, nil
}

// Get fetches the full body as a stream.
func (f *HTTPFetcher) Get(ctx context.Context, url string) (*domain.FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.TransportError{URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wrapTransportErr(ctx, url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &domain.TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	return &domain.FetchResponse{
		Body:       resp.Body,
		TotalBytes: contentLength(resp.Header),
		MimeType:   mimeFromHeader(resp.Header),
	}, nil
}

// GetRange fetches the inclusive byte span [start, end]. Only 206 is a
// success: a 200 means the server ignored the Range header and would hand
// back the whole body, which the chunked transfer cannot use.
func (f *HTTPFetcher) GetRange(ctx context.Context, url string, start, end int64) (*domain.FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.TransportError{URL: url, Err: err}
	}

	req.Header.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, wrapTransportErr(ctx, url, err)
	}

	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &domain.TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	return &domain.FetchResponse{
		Body:       resp.Body,
		TotalBytes: contentLength(resp.Header),
		MimeType:   mimeFromHeader(resp.Header),
	}, nil
}

// wrapTransportErr keeps context cancellation distinguishable from
// network failures so the pipeline can route aborts to paused.
func wrapTransportErr(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &domain.TransportError{URL: url, Err: err}
}

// contentLength parses Content-Length, but only when no content encoding
// other than identity is applied: a compressed transfer size would
// mislead progress reporting.
func contentLength(h http.Header) *int64 {
	if enc := h.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return nil
	}
	cl := h.Get("Content-Length")
	if cl == "" {
		return nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// mimeFromHeader extracts the bare media type: the first token of
// Content-Type with charset and other parameters stripped.
func mimeFromHeader(h http.Header) *string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return nil
	}
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return nil
	}
	return &ct
}
