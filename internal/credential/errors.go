package credential

import (
	"fmt"
)

// Reason classifies why a token exchange failed.
type Reason string

const (
	// ReasonUnreachable means the token endpoint could not be reached.
	ReasonUnreachable Reason = "unreachable"
	// ReasonStatus means the token endpoint answered with a non-2xx status.
	ReasonStatus Reason = "status"
	// ReasonMissingToken means a 2xx response carried no access_token.
	ReasonMissingToken Reason = "missing_token"
	// ReasonMalformed means a 2xx response body could not be decoded.
	ReasonMalformed Reason = "malformed"
)

// CredentialAcquisitionError is returned when a bearer token cannot be obtained.
type CredentialAcquisitionError struct {
	Reason     Reason
	StatusCode int    // set for ReasonStatus
	Body       string // token endpoint response body, for diagnostics
	Err        error
}

func (e *CredentialAcquisitionError) Error() string {
	switch e.Reason {
	case ReasonStatus:
		return fmt.Sprintf("oauth token exchange failed: status %d: %s", e.StatusCode, e.Body)
	case ReasonMissingToken:
		return "oauth token exchange failed: no access_token in response"
	default:
		if e.Err != nil {
			return fmt.Sprintf("oauth token exchange failed (%s): %v", e.Reason, e.Err)
		}
		return fmt.Sprintf("oauth token exchange failed (%s)", e.Reason)
	}
}

func (e *CredentialAcquisitionError) Unwrap() error {
	return e.Err
}
