package upstream

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const registryYAML = `
identities:
  opA:
    password: bridge-pass-a
    upstream_username: alice@corp
    upstream_password: secret-a
    upstream_api_url: https://api.corp.example
    upstream_web_url: https://web.corp.example
  opB:
    password: bridge-pass-b
    upstream_username: bob@corp
    upstream_password: secret-b
    upstream_api_url: https://api.corp.example
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	reg, err := LoadRegistry(writeRegistry(t, registryYAML))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	pair, err := reg.Resolve("opA")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pair.Identity != "opA" || pair.UpstreamUsername != "alice@corp" {
		t.Fatalf("unexpected pair: %+v", pair)
	}

	if _, err := reg.Resolve("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if len(reg.Identities()) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(reg.Identities()))
	}
}

func TestVerify(t *testing.T) {
	reg, err := LoadRegistry(writeRegistry(t, registryYAML))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	if !reg.Verify("opA", "bridge-pass-a") {
		t.Fatalf("valid credentials rejected")
	}
	if reg.Verify("opA", "wrong") {
		t.Fatalf("wrong password accepted")
	}
	if reg.Verify("opA", "bridge-pass-b") {
		t.Fatalf("another identity's password accepted")
	}
	if reg.Verify("ghost", "anything") {
		t.Fatalf("unknown identity accepted")
	}
}

func TestLoadRegistryRejectsIncomplete(t *testing.T) {
	cases := map[string]string{
		"no identities": `identities: {}`,
		"missing password": `
identities:
  opA:
    upstream_username: alice@corp
    upstream_password: secret
    upstream_api_url: https://api.corp.example
`,
		"missing upstream creds": `
identities:
  opA:
    password: p
    upstream_api_url: https://api.corp.example
`,
		"missing api url": `
identities:
  opA:
    password: p
    upstream_username: alice@corp
    upstream_password: secret
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadRegistry(writeRegistry(t, content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	path := writeRegistry(t, registryYAML)
	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	updated := `
identities:
  opC:
    password: bridge-pass-c
    upstream_username: carol@corp
    upstream_password: secret-c
    upstream_api_url: https://api.corp.example
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite registry: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, err := reg.Resolve("opA"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old identity should be gone")
	}
	if _, err := reg.Resolve("opC"); err != nil {
		t.Fatalf("new identity missing: %v", err)
	}

	// A broken rewrite must keep the previous mapping.
	if err := os.WriteFile(path, []byte("identities: {}"), 0o600); err != nil {
		t.Fatalf("rewrite registry: %v", err)
	}
	if err := reg.Reload(); err == nil {
		t.Fatalf("expected reload error for empty registry")
	}
	if _, err := reg.Resolve("opC"); err != nil {
		t.Fatalf("mapping should survive a failed reload: %v", err)
	}
}
