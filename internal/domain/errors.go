package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrUnsupportedProvider   = errors.New("unsupported provider")
	ErrModelDenied           = errors.New("model denied for tenant")
	ErrModelNotAllowed       = errors.New("model not in tenant allow list")
	ErrUnknownTool           = errors.New("unknown tool")
	ErrToolDisabled          = errors.New("tool disabled for tenant")
)

// UpstreamError is a non-2xx reply from a vendor. It carries the raw status
// and body so the caller can distinguish quota exhaustion from malformed
// requests from outages; the gateway never reclassifies vendor error codes.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.Status, e.Body)
}

// AsUpstreamError unwraps err to an UpstreamError if one is in the chain.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
