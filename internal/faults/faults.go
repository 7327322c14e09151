// Package faults classifies collaborator failures into the small set of
// categories surfaced to end users.
package faults

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/openai/openai-go"

	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
	"github.com/Kocoro-lab/deep-research/internal/search"
)

// Category is a user-facing failure class.
type Category string

const (
	CategoryRateLimited    Category = "rate_limited"
	CategoryTimeout        Category = "timeout"
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategorySearch         Category = "search"
	CategoryGeneric        Category = "generic"
)

var friendly = map[Category]string{
	CategoryRateLimited:    "The research service is receiving too many requests. Please wait a moment and try again.",
	CategoryTimeout:        "The research took too long to respond. Please try again.",
	CategoryNetwork:        "A network problem interrupted the research. Please check your connection and try again.",
	CategoryAuthentication: "The research service could not authenticate with its model provider or has run out of quota.",
	CategorySearch:         "The web search service failed while gathering sources. Please try again shortly.",
	CategoryGeneric:        "Something went wrong while researching this topic. Please try again.",
}

// Classify inspects err and returns its category. Typed errors are checked
// first; the error description decides otherwise.
func Classify(err error) Category {
	if err == nil {
		return CategoryGeneric
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var se *search.Error
	if errors.As(err, &se) {
		// search failures keep their own category unless the provider rate limited us
		if se.StatusCode == http.StatusTooManyRequests {
			return CategoryRateLimited
		}
		return CategorySearch
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			if apiErr.Code == "insufficient_quota" || strings.Contains(strings.ToLower(apiErr.Message), "quota") {
				return CategoryAuthentication
			}
			return CategoryRateLimited
		case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden,
			apiErr.StatusCode == http.StatusPaymentRequired:
			return CategoryAuthentication
		case apiErr.StatusCode == http.StatusRequestTimeout, apiErr.StatusCode == http.StatusGatewayTimeout:
			return CategoryTimeout
		}
	}

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "rate limit", "ratelimit", "too many requests", "429"):
		return CategoryRateLimited
	case containsAny(m, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout
	case containsAny(m, "api key", "apikey", "unauthorized", "authentication", "quota", "insufficient", "401", "403"):
		return CategoryAuthentication
	case containsAny(m, "tavily", "search"):
		return CategorySearch
	case containsAny(m, "connection", "network", "dns", "no such host", "eof", "reset by peer", "unreachable"):
		return CategoryNetwork
	}
	return CategoryGeneric
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FriendlyMessage returns the user-facing text for err. Raw error text never
// leaks through it.
func FriendlyMessage(err error) string {
	return Message(Classify(err))
}

// Message returns the user-facing text for a category.
func Message(c Category) string {
	if msg, ok := friendly[c]; ok {
		return msg
	}
	return friendly[CategoryGeneric]
}
