package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	CodeTransientNetwork: {
		Code:            CodeTransientNetwork,
		Retryable:       true,
		Description:     "Backend unreachable or returned a server error",
		SuggestedAction: "Check connectivity and the api_url setting: penf-capture config show",
	},
	CodeRateLimit: {
		Code:            CodeRateLimit,
		Retryable:       true,
		Description:     "Backend rate limit exceeded",
		SuggestedAction: "Requests are throttled automatically; lower rate_limit.requests_per_second if this persists",
	},
	CodeTimeout: {
		Code:            CodeTimeout,
		Retryable:       true,
		Description:     "Backend call exceeded its time limit",
		SuggestedAction: "Check timeout settings in capture.yaml",
	},
	CodeContextCancelled: {
		Code:            CodeContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled during shutdown",
		SuggestedAction: "No action needed",
	},
	CodeNoCredentials: {
		Code:            CodeNoCredentials,
		Retryable:       false,
		Description:     "No signed-in session; network steps are skipped",
		SuggestedAction: "Sign in from the desktop app, then check: penf-capture auth status",
	},
	CodeUnauthorized: {
		Code:            CodeUnauthorized,
		Retryable:       false,
		Description:     "Backend rejected the access token",
		SuggestedAction: "Sign in again: penf-capture auth logout, then sign in from the desktop app",
	},
	CodeStoreCorruption: {
		Code:            CodeStoreCorruption,
		Retryable:       false,
		Description:     "meetings.json could not be parsed and was treated as empty",
		SuggestedAction: "Inspect the file under data_dir; the next write replaces it",
	},
	CodeIdentityRace: {
		Code:            CodeIdentityRace,
		Retryable:       false,
		Description:     "An event arrived before the interview id was known",
		SuggestedAction: "Handled by waiting for the pending interview; no action needed",
	},
	CodeUnrecoverableCapture: {
		Code:            CodeUnrecoverableCapture,
		Retryable:       false,
		Description:     "The capture SDK reported an unrecoverable error",
		SuggestedAction: "Start a new recording; check the SDK logs for details",
	},
	CodeBackendRejected: {
		Code:            CodeBackendRejected,
		Retryable:       false,
		Description:     "Backend rejected the request payload",
		SuggestedAction: "Run with --debug to see the request and response",
	},
	CodeProcessingError: {
		Code:            CodeProcessingError,
		Retryable:       false,
		Description:     "Unclassified failure",
		SuggestedAction: "Run with --debug for details",
	},
}

// LookupCode returns the registry entry for code.
func LookupCode(code ErrorCode) (ErrorCodeInfo, bool) {
	info, ok := ErrorCodeRegistry[code]
	return info, ok
}
