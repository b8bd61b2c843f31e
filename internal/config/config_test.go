package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/decoder"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "palmid.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  license_id: lic-1
  auth_method: palms+passcode
security:
  secret_key: `+testKey+`
auth:
  jwt_secret: s3cret
matcher:
  threshold: 0.9
  required_agreement: 2
  max_attempt_frames: 4
decoder:
  first_detection_timeout: 5s
  orientation: vertical
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.AuthMethod() != credential.AuthPalmsAndPasscode {
		t.Fatalf("unexpected auth method %v", cfg.AuthMethod())
	}

	dc, err := cfg.DecoderConfig()
	if err != nil {
		t.Fatalf("DecoderConfig: %v", err)
	}
	if dc.FirstDetectionTimeout != 5*time.Second || dc.Orientation != decoder.OrientationVertical {
		t.Fatalf("unexpected decoder config %+v", dc)
	}
	if dc.Matcher.RequiredAgreement != 2 || dc.Matcher.MaxAttemptFrames != 4 {
		t.Fatalf("unexpected matcher config %+v", dc.Matcher)
	}
	if dc.Builder.RequiredQuality != Default().Builder.RequiredQuality {
		t.Fatalf("builder defaults were lost: %+v", dc.Builder)
	}
	if dc.License.LicenseID != "lic-1" || !dc.License.AuthMethod.RequiresPasscode() {
		t.Fatalf("unexpected license request %+v", dc.License)
	}

	key, err := cfg.SealingKey()
	if err != nil || len(key) != 32 {
		t.Fatalf("SealingKey: %v (len %d)", err, len(key))
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PALMID_LICENSE_ID", "env-license")
	t.Setenv("PALMID_SECRET_KEY", testKey)
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	path := writeConfig(t, "session:\n  license_id: file-license\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.LicenseID != "env-license" {
		t.Fatalf("expected env license, got %q", cfg.Session.LicenseID)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Redis.Addr != "localhost:6379" || cfg.Auth.JWTSecret != "env-secret" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Session.AuthMethod = "retina"
	cfg.Decoder.Orientation = "diagonal"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"license_id", "auth_method", "secret_key", "orientation", "jwt_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidateRejectsBadKeyMaterial(t *testing.T) {
	cases := map[string]SecurityConfig{
		"short hex":      {SecretKey: "abcd"},
		"not hex":        {SecretKey: strings.Repeat("zz", 32)},
		"missing salt":   {Passphrase: "correct horse"},
		"salt too short": {Passphrase: "correct horse", Salt: "pepper"},
	}
	for name, sec := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Session.LicenseID = "lic"
			cfg.Auth.JWTSecret = "s"
			cfg.Security = sec
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "security") {
				t.Fatalf("expected security error, got %v", err)
			}
		})
	}
}

func TestValidateRejectsInconsistentMatcher(t *testing.T) {
	cfg := Default()
	cfg.Session.LicenseID = "lic"
	cfg.Auth.JWTSecret = "s"
	cfg.Security.SecretKey = testKey
	cfg.Matcher.RequiredAgreement = 3
	cfg.Matcher.MaxAttemptFrames = 2

	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "matcher") {
		t.Fatalf("expected matcher error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
