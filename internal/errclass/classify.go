// Package errclass classifies extractor stderr/stdout tails into the
// error-kind taxonomy of spec §7. Grounded on original_source/errors.py's
// _ERROR_MAP: an ordered list of substring patterns, first match wins.
package errclass

import (
	"strings"

	"lumina/internal/domain"
)

type rule struct {
	pattern string
	kind    domain.ErrorKind
	message string
}

// rules is checked in order; the first substring match wins. Order
// matters: more specific phrases are listed before generic ones that
// might also appear in a longer failure message.
var rules = []rule{
	{"sign in to confirm your age", domain.ErrorAgeRestricted, "requires age verification sign-in"},
	{"confirm your age", domain.ErrorAgeRestricted, "requires age verification sign-in"},
	{"this video is private", domain.ErrorPrivate, "video is private"},
	{"private video", domain.ErrorPrivate, "video is private"},
	{"members-only", domain.ErrorMembersOnly, "channel members-only content"},
	{"join this channel", domain.ErrorMembersOnly, "channel members-only content"},
	{"video unavailable", domain.ErrorVideoUnavailable, "video is unavailable or has been removed"},
	{"has been removed", domain.ErrorVideoUnavailable, "video is unavailable or has been removed"},
	{"not available in your country", domain.ErrorGeoBlock, "blocked in this region"},
	{"not made this video available in your country", domain.ErrorGeoBlock, "blocked in this region"},
	{"unsupported url", domain.ErrorUnsupportedURL, "url is not supported by the extractor"},
	{"http error 401", domain.ErrorForbidden, "unauthorized (401)"},
	{"http error 403", domain.ErrorForbidden, "access denied (403)"},
	{"too many requests", domain.ErrorRateLimited, "rate limited"},
	{"429", domain.ErrorRateLimited, "rate limited (429)"},
	{"eof occurred in violation of protocol", domain.ErrorConnectionReset, "connection reset during transfer"},
	{"ssleof", domain.ErrorConnectionReset, "connection reset during transfer"},
	{"tlsv1", domain.ErrorConnectionReset, "connection reset during transfer"},
	{"10054", domain.ErrorConnectionReset, "connection reset during transfer"},
	{"connection reset", domain.ErrorConnectionReset, "connection reset during transfer"},
	{"incompleteread", domain.ErrorConnectionReset, "network interrupted mid-transfer"},
	{"timed out", domain.ErrorTimeout, "network timeout"},
	{"unable to extract", domain.ErrorExtractFail, "could not parse this page (extractor may be outdated)"},
}

const maxFallbackLen = 400

// Classify maps an extractor output tail to an error kind and a
// human-readable message, following original_source/errors.py's
// classify_error. An empty tail classifies as unknown with a generic
// message.
func Classify(tail string) (domain.ErrorKind, string) {
	if strings.TrimSpace(tail) == "" {
		return domain.ErrorUnknown, "unknown error"
	}
	low := strings.ToLower(tail)
	for _, r := range rules {
		if strings.Contains(low, r.pattern) {
			return r.kind, r.message
		}
	}
	return domain.ErrorUnknown, firstLine(tail, maxFallbackLen)
}

func firstLine(s string, limit int) string {
	line := s
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		line = s[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > limit {
		line = line[:limit]
	}
	return line
}
