package common

type ConfigKey int

const (
	StageKey ConfigKey = iota
	VerboseKey
	APIBaseURLKey
	HostKey
	PortKey
	LocalAddressKey
	LocalAPIKeyKey
	HealthCheckIntervalKey
	PostgresKey
	PostgresHostKey
	PostgresDBKey
	PostgresUserKey
	PostgresPasswordKey
	PostgresAdminKey
	PostgresAdminPasswordKey
	RateLimitRateKey
	RateLimitBurstKey
	RateLimitHeaderKey
	// root key material the session/token/config crypto hierarchy is derived from
	MasterSigningKeyKey
	// salt keying the blake2b hash of widget-reported fingerprint bytes (gesture/audio-derived)
	FingerprintSaltKey
	SessionTTLKey
	ChallengeTTLKey
	VerificationTokenTTLKey
	ConfigTokenTTLKey
	// path to a MaxMind GeoLite2/GeoIP2 Country .mmdb file; country checks are
	// skipped when unset
	GeoIPCountryDBPathKey
	// Add new fields _above_
	COMMON_CONFIG_KEYS_COUNT
)
