package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI executes the root command with args in an isolated home and
// working directory and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, dataDir = "", ""

	root := newRootCmd("test", "abc123", "2026-01-01")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("MARQUEE_TELEMETRY", "0")
	return dir
}

func TestVersionJSON(t *testing.T) {
	isolate(t)
	out, err := runCLI(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info buildInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if info.Version != "test" || info.Commit != "abc123" {
		t.Errorf("info = %+v", info)
	}
	if info.TokenAlg != "HS256" || info.KeyPrefix != "mq_" || len(info.StoreDrivers) != 4 {
		t.Errorf("credential formats = %+v", info)
	}
}

func TestVersionText(t *testing.T) {
	isolate(t)
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	for _, want := range []string{"marquee test (abc123", "tokens:  HS256", "keys:    mq_", "sqlserver"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigInitShowValidate(t *testing.T) {
	dir := isolate(t)

	if _, err := runCLI(t, "config", "init", "--generate-secrets"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	path := filepath.Join(dir, "marquee.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := runCLI(t, "config", "init"); err == nil {
		t.Error("second init without --force should fail")
	}

	out, err := runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "<redacted>") {
		t.Errorf("secrets should be redacted:\n%s", out)
	}
	if !strings.Contains(out, "marquee.yaml") {
		t.Errorf("show should name the config file:\n%s", out)
	}

	out, err = runCLI(t, "config", "validate", "--serve", path)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("validate output = %q", out)
	}
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: oracle\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "config", "validate", path); err == nil {
		t.Error("expected validation error")
	}
}

func TestKeyLifecycle(t *testing.T) {
	dir := isolate(t)
	data := filepath.Join(dir, "data")

	out, err := runCLI(t, "--data-dir", data, "key", "create", "--plan", "pro", "--description", "ci", "--json")
	if err != nil {
		t.Fatalf("key create: %v", err)
	}
	var created struct {
		KeyID    string `json:"keyId"`
		PlainKey string `json:"plainKey"`
		Plan     string `json:"plan"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode create: %v\n%s", err, out)
	}
	if created.KeyID == "" || !strings.HasPrefix(created.PlainKey, "mq_") || created.Plan != "pro" {
		t.Fatalf("unexpected create output: %+v", created)
	}

	out, err = runCLI(t, "--data-dir", data, "key", "list")
	if err != nil {
		t.Fatalf("key list: %v", err)
	}
	if !strings.Contains(out, created.KeyID) || strings.Contains(out, created.PlainKey) {
		t.Errorf("list should show the id but never the plaintext key:\n%s", out)
	}

	out, err = runCLI(t, "--data-dir", data, "key", "get", created.KeyID, "--include-sensitive")
	if err != nil {
		t.Fatalf("key get: %v", err)
	}
	if !strings.Contains(out, `"fingerprint"`) {
		t.Errorf("get --include-sensitive should include the fingerprint:\n%s", out)
	}

	out, err = runCLI(t, "--data-dir", data, "key", "update", created.KeyID, "--plan", "enterprise")
	if err != nil {
		t.Fatalf("key update: %v", err)
	}
	if !strings.Contains(out, `"plan": "enterprise"`) {
		t.Errorf("update output:\n%s", out)
	}

	out, err = runCLI(t, "--data-dir", data, "key", "rotate", created.KeyID, "--json")
	if err != nil {
		t.Fatalf("key rotate: %v", err)
	}
	var rotated struct {
		KeyID string `json:"keyId"`
		Plan  string `json:"plan"`
	}
	if err := json.Unmarshal([]byte(out), &rotated); err != nil {
		t.Fatalf("decode rotate: %v", err)
	}
	if rotated.KeyID == created.KeyID || rotated.Plan != "enterprise" {
		t.Errorf("rotate = %+v", rotated)
	}

	out, err = runCLI(t, "--data-dir", data, "key", "revoke", created.KeyID)
	if err != nil {
		t.Fatalf("key revoke: %v", err)
	}
	if !strings.Contains(out, "nothing to revoke") {
		t.Errorf("rotated key was already revoked, got %q", out)
	}

	out, err = runCLI(t, "--data-dir", data, "key", "list", "--status", "active", "--json")
	if err != nil {
		t.Fatalf("key list active: %v", err)
	}
	var active []struct {
		KeyID string `json:"keyId"`
	}
	if err := json.Unmarshal([]byte(out), &active); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(active) != 1 || active[0].KeyID != rotated.KeyID {
		t.Errorf("active keys = %+v, want only the replacement", active)
	}
}

func TestKeyCreateValidation(t *testing.T) {
	dir := isolate(t)
	data := filepath.Join(dir, "data")

	if _, err := runCLI(t, "--data-dir", data, "key", "create", "--plan", "platinum"); err == nil {
		t.Error("unknown plan should fail")
	}
	if _, err := runCLI(t, "--data-dir", data, "key", "create", "--plan", "pro", "--rate-requests", "10"); err == nil {
		t.Error("rate requests without window should fail")
	}
	if _, err := runCLI(t, "--data-dir", data, "key", "get", "does-not-exist"); err == nil {
		t.Error("unknown key should fail")
	}
}

func TestTokenIssueAndVerify(t *testing.T) {
	dir := isolate(t)
	t.Setenv("MARQUEE_AUTH_JWT_SECRET", "cli-test-signing-secret")
	data := filepath.Join(dir, "data")

	if _, err := runCLI(t, "--data-dir", data, "token", "issue"); err == nil {
		t.Error("issue without an identity should fail")
	}

	out, err := runCLI(t, "--data-dir", data, "token", "issue", "--user-id", "u_42", "--plan", "basic")
	if err != nil {
		t.Fatalf("token issue: %v", err)
	}
	var pair struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal([]byte(out), &pair); err != nil {
		t.Fatalf("decode pair: %v\n%s", err, out)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("pair = %+v", pair)
	}

	out, err = runCLI(t, "token", "verify", pair.AccessToken)
	if err != nil {
		t.Fatalf("token verify: %v", err)
	}
	if !strings.Contains(out, `"sub": "u_42"`) || !strings.Contains(out, `"plan": "basic"`) {
		t.Errorf("verify output:\n%s", out)
	}

	if _, err := runCLI(t, "token", "verify", pair.RefreshToken); err == nil {
		t.Error("a refresh token must not verify as an access token")
	}
	if _, err := runCLI(t, "token", "verify", "--refresh", pair.RefreshToken); err != nil {
		t.Errorf("verify --refresh: %v", err)
	}
}

func TestTokenExchange(t *testing.T) {
	dir := isolate(t)
	t.Setenv("MARQUEE_AUTH_JWT_SECRET", "cli-test-signing-secret")
	data := filepath.Join(dir, "data")

	out, err := runCLI(t, "--data-dir", data, "key", "create", "--plan", "basic", "--json")
	if err != nil {
		t.Fatalf("key create: %v", err)
	}
	var created struct {
		PlainKey string `json:"plainKey"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatal(err)
	}

	out, err = runCLI(t, "--data-dir", data, "token", "exchange", "--key", created.PlainKey)
	if err != nil {
		t.Fatalf("token exchange: %v", err)
	}
	if !strings.Contains(out, `"tokenType": "Bearer"`) {
		t.Errorf("exchange output:\n%s", out)
	}

	if _, err := runCLI(t, "--data-dir", data, "token", "exchange", "--key", "not-a-key"); err == nil {
		t.Error("malformed key should fail")
	}
}

func TestTokenCommandsRequireSecret(t *testing.T) {
	dir := isolate(t)
	t.Setenv("MARQUEE_AUTH_JWT_SECRET", "")
	if _, err := runCLI(t, "--data-dir", filepath.Join(dir, "data"), "token", "issue", "--user-id", "u"); err == nil {
		t.Error("expected missing secret error")
	}
}

func TestOpenAPICommand(t *testing.T) {
	dir := isolate(t)
	out, err := runCLI(t, "openapi")
	if err != nil {
		t.Fatalf("openapi: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", doc["openapi"])
	}

	path := filepath.Join(dir, "openapi.json")
	if _, err := runCLI(t, "openapi", "-o", path); err != nil {
		t.Fatalf("openapi -o: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("openapi file not written: %v", err)
	}
}

func TestStatusNotRunning(t *testing.T) {
	isolate(t)
	out, err := runCLI(t, "status", "--url", "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "not responding") {
		t.Errorf("status output = %q", out)
	}
}
