package utils

import (
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// CacheBusterParam is the query parameter carrying the disambiguation token.
const CacheBusterParam = "_cb"

var lastToken atomic.Int64

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Token returns a strictly increasing value derived from the wall clock in
// milliseconds. Two calls in the same millisecond still get distinct values.
func Token() int64 {
	for {
		prev := lastToken.Load()
		next := nowFunc().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if lastToken.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// AppendToken adds token to the query of rawURL so receivers do not serve a
// cached copy of previously loaded content. Existing query parameters and
// fragments are preserved.
func AppendToken(rawURL string, token int64) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("AppendToken parse error: %w", err)
	}

	// Keep the original query bytes untouched, signed URLs depend on them.
	param := CacheBusterParam + "=" + strconv.FormatInt(token, 10)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}

	return u.String(), nil
}
