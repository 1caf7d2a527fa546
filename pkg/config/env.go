package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

var (
	errEmptyEnvVar  = errors.New("environment variable is empty")
	errEmptyEnvName = errors.New("environment variable name is empty")
)

type envConfigValue struct {
	key   common.ConfigKey
	value string
}

var _ common.ConfigItem = (*envConfigValue)(nil)

var (
	configKeyToEnvName []string
	configKeyStrMux    sync.Mutex
)

func init() {
	configKeyStrMux.Lock()
	defer configKeyStrMux.Unlock()

	if len(configKeyToEnvName) < int(common.COMMON_CONFIG_KEYS_COUNT) {
		configKeyToEnvName = make([]string, common.COMMON_CONFIG_KEYS_COUNT)
	}

	configKeyToEnvName[common.StageKey] = "STAGE"
	configKeyToEnvName[common.VerboseKey] = "GK_VERBOSE"
	configKeyToEnvName[common.APIBaseURLKey] = "GK_API_BASE_URL"
	configKeyToEnvName[common.HostKey] = "GK_HOST"
	configKeyToEnvName[common.PortKey] = "GK_PORT"
	configKeyToEnvName[common.LocalAddressKey] = "GK_LOCAL_ADDRESS"
	configKeyToEnvName[common.LocalAPIKeyKey] = "GK_LOCAL_API_KEY"
	configKeyToEnvName[common.HealthCheckIntervalKey] = "GK_HEALTHCHECK_INTERVAL"
	configKeyToEnvName[common.PostgresKey] = "GK_POSTGRES"
	configKeyToEnvName[common.PostgresHostKey] = "GK_POSTGRES_HOST"
	configKeyToEnvName[common.PostgresDBKey] = "GK_POSTGRES_DB"
	configKeyToEnvName[common.PostgresUserKey] = "GK_POSTGRES_USER"
	configKeyToEnvName[common.PostgresPasswordKey] = "GK_POSTGRES_PASSWORD"
	configKeyToEnvName[common.PostgresAdminKey] = "GK_POSTGRES_ADMIN"
	configKeyToEnvName[common.PostgresAdminPasswordKey] = "GK_POSTGRES_ADMIN_PASSWORD"
	configKeyToEnvName[common.RateLimitRateKey] = "GK_RATE_LIMIT_RPS"
	configKeyToEnvName[common.RateLimitBurstKey] = "GK_RATE_LIMIT_BURST"
	configKeyToEnvName[common.RateLimitHeaderKey] = "GK_RATE_LIMIT_HEADER"
	configKeyToEnvName[common.MasterSigningKeyKey] = "GK_MASTER_SIGNING_KEY"
	configKeyToEnvName[common.FingerprintSaltKey] = "GK_FINGERPRINT_SALT"
	configKeyToEnvName[common.SessionTTLKey] = "GK_SESSION_TTL"
	configKeyToEnvName[common.ChallengeTTLKey] = "GK_CHALLENGE_TTL"
	configKeyToEnvName[common.VerificationTokenTTLKey] = "GK_VERIFICATION_TOKEN_TTL"
	configKeyToEnvName[common.ConfigTokenTTLKey] = "GK_CONFIG_TOKEN_TTL"
	configKeyToEnvName[common.GeoIPCountryDBPathKey] = "GK_GEOIP_COUNTRY_DB_PATH"

	for i, v := range configKeyToEnvName {
		if len(v) == 0 {
			panic(fmt.Sprintf("found unconfigured value for key: %v", i))
		}
	}
}

func RegisterEnvNameForConfigKey(key common.ConfigKey, s string) error {
	if len(s) == 0 {
		return errEmptyEnvName
	}

	configKeyStrMux.Lock()
	defer configKeyStrMux.Unlock()

	if int(key) >= len(configKeyToEnvName) {
		newSlice := make([]string, int(key)+1)
		copy(newSlice, configKeyToEnvName)
		configKeyToEnvName = newSlice
	}

	if configKeyToEnvName[key] != "" {
		return fmt.Errorf("config: duplicate env name registration for config key %v", key)
	}

	configKeyToEnvName[key] = s
	return nil
}

func (v *envConfigValue) Key() common.ConfigKey {
	return v.key
}

func (v *envConfigValue) Value() string {
	return v.value
}

func (v *envConfigValue) Update(getenv func(string) string) error {
	var name string
	if int(v.key) < len(configKeyToEnvName) {
		name = configKeyToEnvName[v.key]
	}
	if len(name) == 0 {
		return errEmptyEnvName
	}

	// NOTE: there's still a kind of a race condition here as we don't protect access
	value := getenv(name)
	v.value = value
	if len(value) == 0 {
		return errEmptyEnvVar
	}

	return nil
}

type envConfig struct {
	lock   sync.Mutex
	items  map[common.ConfigKey]*envConfigValue
	getenv func(string) string
}

var _ common.ConfigStore = (*envConfig)(nil)

func NewEnvConfig(getenv func(string) string) *envConfig {
	return &envConfig{
		items:  make(map[common.ConfigKey]*envConfigValue),
		getenv: getenv,
	}
}

func (c *envConfig) Get(key common.ConfigKey) common.ConfigItem {
	c.lock.Lock()
	defer c.lock.Unlock()

	item, ok := c.items[key]
	if ok {
		return item
	}

	var name string
	if int(key) < len(configKeyToEnvName) {
		name = configKeyToEnvName[key]
	}

	// NOTE: not optimal to read under the lock, but it's not _too_ bad here
	item = &envConfigValue{
		key:   key,
		value: c.getenv(name),
	}
	c.items[key] = item

	return item
}

func (c *envConfig) Update(ctx context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for key, cfg := range c.items {
		if err := cfg.Update(c.getenv); err != nil {
			slog.WarnContext(ctx, "Cannot update environment config", "key", configKeyToEnvName[key], common.ErrAttr(err))
		}
	}
}
