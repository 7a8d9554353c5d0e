package gateway

import "fmt"

// Kind buckets an operation failure for the HTTP layer.
type Kind int

const (
	// KindValidation rejects malformed caller input.
	KindValidation Kind = iota
	// KindAuth means the caller has no usable token or active account yet.
	KindAuth
	// KindNotFound means the requested entity does not exist upstream.
	KindNotFound
	// KindBusy means a per-key bound was hit and the caller should retry.
	KindBusy
	// KindTimeout means the venue did not answer in time.
	KindTimeout
	// KindUpstream carries a venue error response through verbatim.
	KindUpstream
)

// Error is the failure type every Gateway operation returns for caller
// mistakes and venue rejections. Transport failures from the channel
// (disconnects, request timeouts) pass through untouched.
type Error struct {
	Kind    Kind
	Message string
	Details any
}

func (e *Error) Error() string { return e.Message }

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func authErr(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

func notFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// upstreamErr wraps a decoded PROTO_OA_ERROR_RES so the description reaches
// the caller and the raw payload lands in details.
func upstreamErr(decoded map[string]any) *Error {
	return &Error{Kind: KindUpstream, Message: errorDescription(decoded), Details: decoded}
}

// errorDescription extracts a printable message from an error response.
func errorDescription(decoded map[string]any) string {
	desc, _ := decoded["description"].(string)
	code, _ := decoded["errorCode"].(string)
	switch {
	case desc != "" && code != "":
		return code + ": " + desc
	case desc != "":
		return desc
	case code != "":
		return code
	}
	return "upstream error"
}
