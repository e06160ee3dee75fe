package aws

import (
	"errors"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/tagwarden/internal/retry"
)

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"SlowDown":                               true,
	"ProvisionedThroughputExceededException": true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"ServiceUnavailable":                     true,
	"InternalError":                          true,
}

var permanentCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnauthorizedOperation":       true,
	"AuthFailure":                 true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"UnrecognizedClientException": true,
	"SignatureDoesNotMatch":       true,
	"NoSuchBucket":                true,
	"DBInstanceNotFound":          true,
	"DBInstanceNotFoundFault":     true,
	"ResourceNotFoundException":   true,
	"QueueDoesNotExist":           true,
	"ValidationException":         true,
	"ValidationError":             true,
	"InvalidParameterValue":       true,
	"InvalidTag":                  true,
	"MalformedXML":                true,
	"TagPolicyException":          true,
}

// classify wraps err as transient or permanent. Unknown errors are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttleCodes[code]:
			return retry.Transient(err)
		case permanentCodes[code], strings.HasSuffix(code, ".NotFound"), strings.HasSuffix(code, ".Malformed"):
			return retry.Permanent(err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusTooManyRequests || status >= 500:
			return retry.Transient(err)
		case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
			return retry.Permanent(err)
		}
	}

	return retry.Transient(err)
}

func isCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
