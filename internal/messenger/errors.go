package messenger

import (
	"fmt"
)

// NetworkCode is reported for transport failures that carry no remote code.
const NetworkCode = "bitmunk.net.NetworkError"

// NetworkError represents transport failures and error responses from a
// remote peer or service.
type NetworkError struct {
	Operation  string // the call that failed, e.g. "post"
	URL        string
	StatusCode int    // HTTP status code, 0 for transport errors
	RemoteCode string // dotted error code from the remote body, if any
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s %s (HTTP %d): %s", e.Operation, e.URL, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s %s: %s", e.Operation, e.URL, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Code returns the remote error code, or NetworkCode.
func (e *NetworkError) Code() string {
	if e.RemoteCode != "" {
		return e.RemoteCode
	}

	return NetworkCode
}

// AuthenticationError represents 401 and 403 responses.
type AuthenticationError struct {
	Operation string
	URL       string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s %s", e.Operation, e.URL)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) Code() string {
	return "bitmunk.net.NotAuthenticated"
}
