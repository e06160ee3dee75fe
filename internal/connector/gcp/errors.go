package gcp

import (
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/yairfalse/tagwarden/internal/retry"
)

// classify wraps err as transient or permanent based on the HTTP status of
// a googleapi.Error. A 412 means the label fingerprint moved under us and
// the read-merge-write can be retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *retry.Error
	if errors.As(err, &classified) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.Code; {
		case code == http.StatusTooManyRequests, code == http.StatusPreconditionFailed,
			code == http.StatusRequestTimeout, code >= 500:
			return retry.Transient(err)
		case code >= 400:
			return retry.Permanent(err)
		}
	}

	return retry.Transient(err)
}
