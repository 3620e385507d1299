package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/crystal-atelier/api/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	env := map[string]string{
		"API_SECURITY_HMAC_SECRETS":      "Identity=secret://identity-webhook, billing=secret://billing",
		"API_STORAGE_SIGNER_CREDENTIALS": "secret://storage-signer",
	}
	got := requiredSecretNames(env)
	want := []string{"Storage.SignerCredentials", "Security.HMAC.Secrets[billing]", "Security.HMAC.Secrets[identity]"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if got := requiredSecretNames(map[string]string{}); len(got) != 0 {
		t.Fatalf("expected no required secrets, got %v", got)
	}
}

func TestSecretVersionPinsFromEnv(t *testing.T) {
	env := map[string]string{
		"API_SECRET_VERSION_PINS": "sm://storage-signer=4, prod:secret://identity-webhook=7, dev:identity-webhook=2, plain=1",
	}
	got := secretVersionPinsFromEnv(env, "prod")
	want := map[string]string{
		"secret://storage-signer":   "4",
		"secret://identity-webhook": "7",
		"secret://plain":            "1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSecretProjectMapFromEnv(t *testing.T) {
	got := secretProjectMapFromEnv(map[string]string{"API_SECRET_PROJECT_IDS": "PROD=crystal-prod, dev=crystal-dev, broken"})
	want := map[string]string{"prod": "crystal-prod", "dev": "crystal-dev"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestBuildInfoFromEnvDefaults(t *testing.T) {
	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	info := buildInfoFromEnv(map[string]string{}, config.Config{}, started)
	if info.Version != "dev" || info.CommitSHA != "unknown" || info.Environment != "local" || !info.StartedAt.Equal(started) {
		t.Fatalf("unexpected build info %+v", info)
	}

	info = buildInfoFromEnv(map[string]string{"API_BUILD_VERSION": "1.4.0", "API_BUILD_COMMIT_SHA": "abc123"}, config.Config{Security: config.SecurityConfig{Environment: "prod"}}, started)
	if info.Version != "1.4.0" || info.CommitSHA != "abc123" || info.Environment != "prod" {
		t.Fatalf("unexpected build info %+v", info)
	}
}
