package secretstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateRefsMissingProvider(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(secretsPath, []byte("ansible:\n  linux:\n    username: svc\n"), 0o600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
	resolver, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{
			"local": {Type: "file", Path: secretsPath},
		},
		DefaultProvider: "local",
	}, ResolverOptions{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	err = ValidateRefs(context.Background(), resolver, []string{"secret://vault/ansible/linux"}, ValidationOptions{})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if !strings.Contains(err.Error(), "vault") {
		t.Fatalf("expected error to mention missing provider, got: %s", err.Error())
	}
}

func TestValidateRefsMissingFilePath(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(secretsPath, []byte("ansible:\n  linux:\n    username: svc\n"), 0o600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
	resolver, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{
			"local": {Type: "file", Path: secretsPath},
		},
		DefaultProvider: "local",
	}, ResolverOptions{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	err = ValidateRefs(context.Background(), resolver, []string{"secret://local/ansible/windows"}, ValidationOptions{})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "available keys") {
		t.Fatalf("expected suggestions in error, got: %s", err.Error())
	}
}

func TestValidateRefsMissingField(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(secretsPath, []byte("ansible:\n  windows:\n    username: svc_win\n"), 0o600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
	resolver, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{
			"local": {Type: "file", Path: secretsPath},
		},
		DefaultProvider: "local",
	}, ResolverOptions{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	err = ValidateRefs(context.Background(), resolver, []string{"secret://local/ansible/windows#password"}, ValidationOptions{})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "available fields") {
		t.Fatalf("expected field suggestions in error, got: %s", err.Error())
	}
}

func TestValidateRefsWholeSecret(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.yaml")
	payload := "ansible:\n  windows:\n    username: svc_win\n    password: hunter2\n"
	if err := os.WriteFile(secretsPath, []byte(payload), 0o600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
	resolver, err := NewResolver(Config{
		Providers: map[string]ProviderConfig{
			"local": {Type: "file", Path: secretsPath},
		},
		DefaultProvider: "local",
	}, ResolverOptions{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if err := ValidateRefs(context.Background(), resolver, []string{"secret://local/ansible/windows"}, ValidationOptions{}); err != nil {
		t.Fatalf("whole-secret reference should validate, got: %v", err)
	}
}
