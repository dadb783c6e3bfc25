package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"storyline/internal/apperr"
)

// Provider SDKs report HTTP failures as "status code: 503", "Error 429, ..."
// or a bare status line such as "503 Service Unavailable".
var (
	statusField = regexp.MustCompile(`(?i)\bstatus(?:[ _]?code)?\s*[:=]?\s*(\d{3})\b`)
	errorCode   = regexp.MustCompile(`(?i)\berror\s+(\d{3})\b`)
	statusLine  = regexp.MustCompile(`\b(\d{3}) ([A-Za-z][A-Za-z -]*)`)
)

var (
	configWords    = regexp.MustCompile(`(?i)\b(?:unsupported provider|unknown provider|model not found|invalid model|model_not_found|does not exist|unauthorized|permission denied|invalid api key|invalid_api_key|incorrect api key|api key is required)`)
	transientWords = regexp.MustCompile(`(?i)\b(?:deadline exceeded|timeout|timed out|rate[ _]limit|too many requests|unavailable|overloaded|resource[ _]exhausted|connection refused|connection reset|broken pipe)|\beof\b`)
)

// Classify tags a provider error as transient, configuration or generic.
// Already classified errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *apperr.Error
	if errors.As(err, &tagged) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperr.New(apperr.Transient, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.New(apperr.Transient, op, err)
	}
	msg := err.Error()
	if code, ok := statusCode(msg); ok {
		if kind := kindForStatus(code); kind != apperr.Generic {
			return apperr.New(kind, op, err)
		}
	}
	switch {
	case configWords.MatchString(msg):
		return apperr.New(apperr.Config, op, err)
	case transientWords.MatchString(msg):
		return apperr.New(apperr.Transient, op, err)
	}
	return apperr.New(apperr.Generic, op, err)
}

// statusCode extracts an HTTP status from an error message. A bare number
// only counts when it is followed by its standard reason phrase.
func statusCode(msg string) (int, bool) {
	for _, re := range []*regexp.Regexp{statusField, errorCode} {
		if m := re.FindStringSubmatch(msg); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil && code >= 100 && code <= 599 {
				return code, true
			}
		}
	}
	for _, m := range statusLine.FindAllStringSubmatch(msg, -1) {
		code, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		reason := http.StatusText(code)
		if reason != "" && strings.HasPrefix(strings.ToLower(m[2]), strings.ToLower(reason)) {
			return code, true
		}
	}
	return 0, false
}

func kindForStatus(code int) apperr.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound:
		return apperr.Config
	case code == http.StatusRequestTimeout || code == http.StatusTooEarly || code == http.StatusTooManyRequests || code >= 500:
		return apperr.Transient
	}
	return apperr.Generic
}
