package eligibilityd

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loop/core/eligibility"
	"loop/core/period"
	"loop/crypto"
	"loop/observability/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
chains:
  - id: 100
    rpc_url: http://localhost:8545
    group: "0xABC"
upstream_timeout: 3s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "eip191", cfg.SignatureScheme)
	require.Equal(t, 3*time.Second, cfg.UpstreamTimeout.Duration)
	require.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod.Duration)
	require.Contains(t, cfg.RateLimit, routeEligibility)

	policy := cfg.Policy.policy()
	require.Equal(t, eligibility.ModeScoreAndMembership, policy.Mode)
	require.Equal(t, eligibility.CompareGreaterOrEqual, policy.Comparison)
	require.EqualValues(t, eligibility.DefaultThreshold, policy.Threshold)

	chains := NewChains(cfg.Chains, nil)
	group, ok := chains.MembershipGroup(100)
	require.True(t, ok)
	require.Equal(t, "0xabc", group)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero chain":      "chains:\n  - id: 0\n    rpc_url: http://x\n",
		"duplicate chain": "chains:\n  - id: 1\n    rpc_url: http://x\n  - id: 1\n    rpc_url: http://y\n",
		"missing rpc":     "chains:\n  - id: 1\n",
		"bad scheme":      "signature_scheme: ed25519\n",
		"bad comparison":  "policy:\n  comparison: lt\n",
		"bad duration":    "upstream_timeout: soon\n",
		"unknown field":   "listen_addr: :9\n",
		"bad rate limit":  "rate_limits:\n  eligibility:\n    rpm: 0\n    burst: 1\n",
	}
	for name, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestResolveSignerKeySources(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	encoded := hex.EncodeToString(key.Bytes())
	want := key.PubKey().Address()

	resolved, err := Config{SignerKey: "0x" + encoded}.ResolveSignerKey(nil)
	require.NoError(t, err)
	require.Equal(t, want, resolved.PubKey().Address())

	t.Setenv("LOOP_TEST_SIGNER", encoded)
	resolved, err = Config{SignerKeyEnv: "LOOP_TEST_SIGNER"}.ResolveSignerKey(nil)
	require.NoError(t, err)
	require.Equal(t, want, resolved.PubKey().Address())

	_, err = Config{SignerKeyEnv: "LOOP_TEST_SIGNER_UNSET"}.ResolveSignerKey(nil)
	require.Error(t, err)

	keyFile := filepath.Join(t.TempDir(), "signer.hex")
	require.NoError(t, os.WriteFile(keyFile, []byte(encoded+"\n"), 0o600))
	resolved, err = Config{SignerKeyFile: keyFile}.ResolveSignerKey(nil)
	require.NoError(t, err)
	require.Equal(t, want, resolved.PubKey().Address())

	ksPath := filepath.Join(t.TempDir(), "signer.json")
	require.NoError(t, crypto.SaveToKeystoreWithParams(ksPath, key, "pw", crypto.LightScrypt))
	resolved, err = Config{Keystore: ksPath}.ResolveSignerKey(func() (string, error) { return "pw", nil })
	require.NoError(t, err)
	require.Equal(t, want, resolved.PubKey().Address())
	_, err = Config{Keystore: ksPath}.ResolveSignerKey(nil)
	require.Error(t, err)

	resolved, err = Config{}.ResolveSignerKey(nil)
	require.NoError(t, err)
	require.Nil(t, resolved)
}

func TestPassportAPIKeyFromEnv(t *testing.T) {
	t.Setenv("LOOP_TEST_PASSPORT", " secret ")
	require.Equal(t, "secret", PassportConfig{APIKeyEnv: "LOOP_TEST_PASSPORT"}.ResolveAPIKey())
	require.Equal(t, "inline", PassportConfig{APIKey: "inline", APIKeyEnv: "LOOP_TEST_PASSPORT"}.ResolveAPIKey())
}

func TestBuildLogsCredentialsMasked(t *testing.T) {
	up := newUpstreams(t, "20", true)
	cfg := testConfig(up)
	cfg.SignerKeyEnv = "LOOP_TEST_SIGNER_KEY"
	cfg.Redis.URL = "redis://:hunter2@cache.internal:6379/0"

	var buf bytes.Buffer
	svc, err := Build(context.Background(), cfg, nil, Dependencies{
		Logger: slog.New(slog.NewJSONHandler(&buf, nil)),
		Cache:  period.NewMemoryCache(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	out := buf.String()
	require.NotContains(t, out, "test-key")
	require.NotContains(t, out, "hunter2")
	require.Contains(t, out, `"passportApiKey":"`+logging.RedactedValue+`"`)
	require.Contains(t, out, `"signerSource":"env:LOOP_TEST_SIGNER_KEY"`)
	require.Contains(t, out, `"redisUrl":"redis://redacted@cache.internal:6379/0"`)
}
