package domain

// ErrorKind is the `error_code` surfaced to callers (spec §7).
type ErrorKind string

const (
	ErrorInvalidInput      ErrorKind = "invalid_input"
	ErrorInvalidURL        ErrorKind = "invalid_url"
	ErrorUnsupportedURL    ErrorKind = "unsupported_url"
	ErrorAgeRestricted     ErrorKind = "age_restricted"
	ErrorPrivate           ErrorKind = "private"
	ErrorMembersOnly       ErrorKind = "members_only"
	ErrorVideoUnavailable  ErrorKind = "video_unavailable"
	ErrorGeoBlock          ErrorKind = "geo_block"
	ErrorRateLimited       ErrorKind = "rate_limited"
	ErrorForbidden         ErrorKind = "forbidden"
	ErrorTimeout           ErrorKind = "timeout"
	ErrorConnectionReset   ErrorKind = "connection_reset"
	ErrorExtractFail       ErrorKind = "extract_fail"
	ErrorTwitterNetworkBlock ErrorKind = "twitter_network_block"
	ErrorRecentFail        ErrorKind = "recent_fail"
	ErrorUnknown           ErrorKind = "unknown"
)

// TerminatesProbing reports whether a probing-stage classification ends the
// probing ladder early (spec §4.4 "Early-abort").
func (k ErrorKind) TerminatesProbing() bool {
	switch k {
	case ErrorAgeRestricted, ErrorPrivate, ErrorMembersOnly, ErrorUnsupportedURL, ErrorVideoUnavailable:
		return true
	default:
		return false
	}
}
