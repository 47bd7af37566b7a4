package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnknownMediaType is returned when neither the headers nor the content
// identify the media.
var ErrUnknownMediaType = errors.New("sniff: unknown media type")

// ErrBadStatus is returned for HTTP responses >= 400.
var ErrBadStatus = errors.New("sniff: bad status code")

const (
	sniffHTTPClientTimeout         = 8 * time.Second
	sniffHTTPDialTimeout           = 3 * time.Second
	sniffHTTPKeepAlive             = 30 * time.Second
	sniffHTTPTLSHandshakeTimeout   = 3 * time.Second
	sniffHTTPResponseHeaderTimeout = 5 * time.Second
	sniffHTTPIdleConnTimeout       = 90 * time.Second
	sniffRetryMax                  = 2

	// filetype needs at most this many bytes to identify a file.
	sniffHeadSize = 261
)

var sniffHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   sniffHTTPDialTimeout,
		KeepAlive: sniffHTTPKeepAlive,
	}).DialContext,
	TLSHandshakeTimeout:   sniffHTTPTLSHandshakeTimeout,
	ResponseHeaderTimeout: sniffHTTPResponseHeaderTimeout,
	IdleConnTimeout:       sniffHTTPIdleConnTimeout,
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout:   sniffHTTPClientTimeout,
		Transport: sniffHTTPTransport,
	}

	return retryClient.StandardClient()
}

// sniffClient is swapped in tests.
var sniffClient = newRetryableHTTPClient(sniffRetryMax)

func normalizeContentType(v string) string {
	if v == "" {
		return ""
	}

	mt, _, err := mime.ParseMediaType(v)
	if err == nil {
		return strings.ToLower(strings.TrimSpace(mt))
	}

	parts := strings.Split(v, ";")
	return strings.ToLower(strings.TrimSpace(parts[0]))
}

func shouldSniffContentType(mediaType string) bool {
	switch mediaType {
	case "", "/", "application/octet-stream", "binary/octet-stream", "text/plain":
		return true
	default:
		return false
	}
}

// MimeFromBytes identifies head by its magic bytes.
func MimeFromBytes(head []byte) (string, error) {
	kind, err := filetype.Match(head)
	if err != nil {
		return "", fmt.Errorf("MimeFromBytes match error: %w", err)
	}
	if kind == filetype.Unknown {
		return "", ErrUnknownMediaType
	}

	return fmt.Sprintf("%s/%s", kind.MIME.Type, kind.MIME.Subtype), nil
}

// SniffContentType fetches the head of mediaURL and returns its media type.
// The Content-Type header wins unless it is missing or generic, in which
// case the first bytes of the body are inspected.
func SniffContentType(ctx context.Context, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("SniffContentType request error: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffHeadSize-1))

	resp, err := sniffClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("SniffContentType client.Do error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", ErrBadStatus
	}

	mediaType := normalizeContentType(resp.Header.Get("Content-Type"))
	if !shouldSniffContentType(mediaType) {
		return mediaType, nil
	}

	head := make([]byte, sniffHeadSize)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("SniffContentType read error: %w", err)
	}
	if n == 0 {
		return "", ErrUnknownMediaType
	}

	return MimeFromBytes(head[:n])
}
