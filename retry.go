package stowage

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryableStatus reports transport-level failures worth retrying
// under the standard exponential backoff policy.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

// authExpiredStatus reports responses that mean a presigned URL has
// expired. These bypass backoff entirely: the same URL would keep
// failing, so the cure is a refresh, not a wait.
func authExpiredStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func newTransferBackoff(maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(b, maxRetries)
}
