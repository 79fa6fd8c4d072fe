package aiquery

import "fmt"

// Kind classifies a failed query so callers can decide whether the failure
// was their configuration, the provider's fault, or transient.
type Kind int

const (
	// KindAuth means the provider rejected the credentials. Never retried.
	KindAuth Kind = iota
	// KindRateLimited means the provider asked us to back off.
	KindRateLimited
	// KindTimeout means the request exceeded its deadline.
	KindTimeout
	// KindServer covers 5xx responses and transport failures.
	KindServer
	// KindMalformed means the provider answered with an empty or
	// unparseable payload. Never retried.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindMalformed:
		return "malformed"
	}
	return "unknown"
}

// QueryError is the typed failure of a single AI query.
type QueryError struct {
	Kind       Kind
	StatusCode int // 0 when no HTTP status was received
	Message    string
}

func (e *QueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ai query failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ai query failed (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether the client may retry the request.
func (e *QueryError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindServer:
		return true
	}
	return false
}
