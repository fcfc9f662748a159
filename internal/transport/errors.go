package transport

import (
	"context"
	"errors"
	"net"

	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
)

// MapHTTPStatus converts a backing-API HTTP status into the engine code:
// 401/403 → PERMISSION_DENIED, 404 → ISSUE_NOT_FOUND, 429 → RATE_LIMITED,
// anything else → API_ERROR.
func MapHTTPStatus(status int) hqerr.Code {
	switch status {
	case 401, 403:
		return hqerr.CodePermissionDenied
	case 404:
		return hqerr.CodeIssueNotFound
	case 429:
		return hqerr.CodeRateLimited
	default:
		return hqerr.CodeAPIError
	}
}

// WrapNetErr tags low-level transport failures: network errors and context
// deadline expiry become NETWORK_ERROR, everything else TRANSPORT_ERROR.
// Tagged errors pass through unchanged.
func WrapNetErr(err error) error {
	if err == nil {
		return nil
	}
	if hqerr.CodeOf(err) != "" {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return hqerr.New(hqerr.CodeNetworkError, "network failure").WithDetail(err.Error())
	}
	return hqerr.New(hqerr.CodeTransportError, "transport failure").WithDetail(err.Error())
}
