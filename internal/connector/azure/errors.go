package azure

import (
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/yairfalse/tagwarden/internal/retry"
)

var permanentCodes = map[string]bool{
	"AuthorizationFailed":        true,
	"InvalidAuthenticationToken": true,
	"ResourceNotFound":           true,
	"ResourceGroupNotFound":      true,
	"SubscriptionNotFound":       true,
	"InvalidTagNameCharacters":   true,
	"TagNameTooLong":             true,
	"TagValueTooLong":            true,
	"InvalidRequestContent":      true,
	"RequestDisallowedByPolicy":  true,
}

// classify wraps err as transient or permanent based on the ARM response.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if permanentCodes[respErr.ErrorCode] {
			return retry.Permanent(err)
		}
		switch status := respErr.StatusCode; {
		case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
			return retry.Transient(err)
		case status >= 400:
			return retry.Permanent(err)
		}
	}

	return retry.Transient(err)
}
