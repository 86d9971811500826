package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("FREECLAIM_AUTH_SIGNING_SECRET", "secret")

	cfg, err := LoadFromEnviron(NewViper(), nil)
	require.NoError(t, err)

	require.Equal(t, defaultHTTPAddress, cfg.HTTPAddress)
	require.Equal(t, defaultDatabasePath, cfg.DatabasePath)
	require.Equal(t, 1, cfg.CurrentKeyVersion)
	require.Equal(t, 3, cfg.ClaimMaxConcurrent)
	require.Equal(t, 5*time.Second, cfg.ClaimBatchDelay)
	require.Equal(t, 30*time.Second, cfg.ActionTimeout)
	require.True(t, cfg.Headless)
	require.Empty(t, cfg.EncryptionKeys)
}

func TestLoadReadsAutomationVariables(t *testing.T) {
	t.Setenv("FREECLAIM_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("CURRENT_KEY_VERSION", "2")
	t.Setenv("CLAIM_MAX_CONCURRENT", "5")
	t.Setenv("CLAIM_BATCH_DELAY_MS", "0")
	t.Setenv("HEADLESS", "false")
	t.Setenv("ACTION_TIMEOUT_MS", "1500")
	t.Setenv("SLOW_MO_MS", "50")
	t.Setenv("PROXY_URL", "http://proxy.local:3128")
	t.Setenv("EPIC_PARENTAL_PIN", "1234")

	cfg, err := LoadFromEnviron(NewViper(), nil)
	require.NoError(t, err)

	require.Equal(t, 2, cfg.CurrentKeyVersion)
	require.Equal(t, 5, cfg.ClaimMaxConcurrent)
	require.Zero(t, cfg.ClaimBatchDelay)
	require.False(t, cfg.Headless)
	require.Equal(t, 1500*time.Millisecond, cfg.ActionTimeout)
	require.Equal(t, 50*time.Millisecond, cfg.SlowMo)
	require.Equal(t, "http://proxy.local:3128", cfg.ProxyURL)
	require.Equal(t, "1234", cfg.EpicParentalPIN)
}

func TestLoadCollectsVersionedKeys(t *testing.T) {
	t.Setenv("FREECLAIM_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("ENC_KEY", "legacy-key")

	environ := []string{
		"ENC_KEY_V2=key-two",
		"ENC_KEY_V10=key-ten",
		"ENC_KEY_VERBOSE=ignored",
		"PATH=/usr/bin",
	}
	cfg, err := LoadFromEnviron(NewViper(), environ)
	require.NoError(t, err)

	require.Equal(t, map[int]string{1: "legacy-key", 2: "key-two", 10: "key-ten"}, cfg.EncryptionKeys)
	require.Equal(t, []int{1, 2, 10}, cfg.KeyVersions())
}

func TestVersionedKeyOneOverridesUnversionedKey(t *testing.T) {
	t.Setenv("FREECLAIM_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("ENC_KEY", "legacy-key")

	cfg, err := LoadFromEnviron(NewViper(), []string{"ENC_KEY_V1=explicit-key"})
	require.NoError(t, err)
	require.Equal(t, "explicit-key", cfg.EncryptionKeys[1])
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing signing secret", env: map[string]string{}},
		{name: "zero concurrency", env: map[string]string{"FREECLAIM_AUTH_SIGNING_SECRET": "s", "CLAIM_MAX_CONCURRENT": "0"}},
		{name: "negative delay", env: map[string]string{"FREECLAIM_AUTH_SIGNING_SECRET": "s", "CLAIM_BATCH_DELAY_MS": "-1"}},
		{name: "zero key version", env: map[string]string{"FREECLAIM_AUTH_SIGNING_SECRET": "s", "CURRENT_KEY_VERSION": "0"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Setenv("FREECLAIM_AUTH_SIGNING_SECRET", "")
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			_, err := LoadFromEnviron(NewViper(), nil)
			require.Error(t, err)
		})
	}
}

func TestLoadReadsKeysFromConfigFile(t *testing.T) {
	t.Setenv("FREECLAIM_AUTH_SIGNING_SECRET", "secret")
	configPath := filepath.Join(t.TempDir(), "freeclaim.yaml")
	contents := "encryption:\n  keys:\n    v3: file-key\n  current_key_version: 3\n"
	require.NoError(t, os.WriteFile(configPath, []byte(contents), 0o600))

	configViper := NewViper()
	configViper.SetConfigFile(configPath)
	require.NoError(t, configViper.ReadInConfig())

	cfg, err := LoadFromEnviron(configViper, nil)
	require.NoError(t, err)
	require.Equal(t, "file-key", cfg.EncryptionKeys[3])
	require.Equal(t, 3, cfg.CurrentKeyVersion)
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
	require.NoError(t, LoadDotEnv(""))
}

func TestLoadDotEnvPopulatesEnvironment(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("FREECLAIM_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("FREECLAIM_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("FREECLAIM_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(envPath))
	require.Equal(t, "loaded", os.Getenv("FREECLAIM_TEST_DOTENV"))
}
