package pkce

// Storage keys. These names are a persisted contract: values written by an
// older build under any of them must still be found by ResolveVerifier.
const (
	KeyPrimary         = "palm_reader.auth.code_verifier"
	KeyLastUsed        = "palm_reader.auth.last_used_verifier"
	KeyProviderDefault = "supabase.auth.code_verifier"

	KeyResetInfo      = "passwordResetInfo"
	KeyResetRequested = "passwordResetRequested"
	KeyResetTimestamp = "passwordResetTimestamp"
	KeyResetEmail     = "passwordResetEmail"

	KeyConsumedCodes = "palm_reader.auth.consumed_codes"
	// KeyConsumedPrefix + digest is the claim written when a code is handed
	// to an exchange.
	KeyConsumedPrefix = "palm_reader.auth.consumed_code."
)

// Source names where a verifier candidate was read from.
type Source string

const (
	SourceLastUsed        Source = "last_used"
	SourceResetInfo       Source = "reset_info"
	SourcePrimary         Source = "primary"
	SourceProviderDefault Source = "provider_default"
)

func (s Source) String() string { return string(s) }
