package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lntools/paywatch/internal/resilience"
)

var (
	// ErrNoWallet is returned when the upstream account has no wallet for the
	// configured id
	ErrNoWallet = errors.New("no matching wallet on upstream account")

	// ErrUpstreamRejected is returned when a mutation succeeds at the
	// transport level but the upstream reports domain errors
	ErrUpstreamRejected = errors.New("upstream rejected the operation")
)

// classifyHTTPStatus maps an HTTP status code to a resilience kind.
func classifyHTTPStatus(status int) resilience.Kind {
	switch {
	case status == 401 || status == 403:
		return resilience.KindAuth
	case status == 429:
		return resilience.KindRateLimited
	case status >= 500:
		return resilience.KindUnavailable
	default:
		return resilience.KindFatal
	}
}

// httpError wraps a non-2xx response with its classified kind.
func httpError(status int, body string) error {
	return resilience.NewError(classifyHTTPStatus(status),
		fmt.Errorf("upstream returned %d: %s", status, strings.TrimSpace(body)))
}

// graphQLErrorsToError collapses a response's errors array into a classified
// error. Authentication-flavored codes are fatal configuration problems;
// everything else is left for the caller to judge.
func graphQLErrorsToError(errs []graphQLError) error {
	if len(errs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(errs))
	kind := resilience.KindFatal
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		code := strings.ToUpper(e.Code)
		if strings.Contains(code, "UNAUTH") || strings.Contains(strings.ToLower(e.Message), "authenticat") {
			kind = resilience.KindAuth
		}
	}
	return resilience.NewError(kind, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; ")))
}
