package credentials

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/kubekattle/apb/internal/classify"
	"github.com/kubekattle/apb/internal/secretstore"
)

type fakeStore struct {
	materials map[string]secretstore.Material
}

func (s *fakeStore) FetchMaterial(ctx context.Context, ref string) (secretstore.Material, error) {
	material, ok := s.materials[ref]
	if !ok {
		return nil, fmt.Errorf("secret %q not found", ref)
	}
	return material, nil
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func linuxProfile() classify.OsProfile   { return classify.OsProfile{HasLinux: true} }
func windowsProfile() classify.OsProfile { return classify.OsProfile{HasWindows: true} }
func mixedProfile() classify.OsProfile   { return classify.OsProfile{HasLinux: true, HasWindows: true} }

func TestResolveLinuxInlineKey(t *testing.T) {
	tmp := t.TempDir()
	store := &fakeStore{materials: map[string]secretstore.Material{
		"secret://vault/ansible/linux": {
			"username":    "svc_ansible",
			"private_key": testKeyPEM(t),
		},
	}}
	resolver := NewResolver(store, nil, tmp)

	bundle, err := resolver.Resolve(context.Background(), linuxProfile(), Config{LinuxRef: "secret://vault/ansible/linux"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if bundle.Linux == nil {
		t.Fatalf("expected linux handle")
	}
	if bundle.Linux.Username != "svc_ansible" {
		t.Fatalf("username=%q, want svc_ansible", bundle.Linux.Username)
	}
	info, err := os.Stat(bundle.Linux.KeyFile)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file mode=%o, want 600", perm)
	}

	if err := bundle.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(bundle.Linux.KeyFile); !os.IsNotExist(err) {
		t.Fatalf("expected key file removed, stat err=%v", err)
	}
	if err := bundle.Release(); err != nil {
		t.Fatalf("second release must be a no-op, got: %v", err)
	}
}

func TestResolveLinuxKeyFileIsNotRemoved(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte(testKeyPEM(t)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	store := &fakeStore{materials: map[string]secretstore.Material{
		"secret://local/linux": {
			"username": "svc_ansible",
			"key_file": keyPath,
		},
	}}
	resolver := NewResolver(store, nil, t.TempDir())

	bundle, err := resolver.Resolve(context.Background(), linuxProfile(), Config{LinuxRef: "secret://local/linux"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if bundle.Linux.KeyFile != keyPath {
		t.Fatalf("key file=%q, want %q", bundle.Linux.KeyFile, keyPath)
	}
	if err := bundle.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("caller-owned key file must survive release: %v", err)
	}
}

func TestResolveWindows(t *testing.T) {
	store := &fakeStore{materials: map[string]secretstore.Material{
		"secret://vault/ansible/windows": {
			"username": "svc_win",
			"password": "hunter2",
		},
	}}
	resolver := NewResolver(store, nil, t.TempDir())

	bundle, err := resolver.Resolve(context.Background(), windowsProfile(), Config{WindowsRef: "secret://vault/ansible/windows"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if bundle.Windows == nil {
		t.Fatalf("expected windows handle")
	}
	env := bundle.Env()
	want := []string{
		EnvWinRMPassword + "=hunter2",
		EnvWinRMUser + "=svc_win",
	}
	if len(env) != len(want) {
		t.Fatalf("env=%v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Fatalf("env[%d]=%q, want %q", i, env[i], want[i])
		}
	}
}

func TestVarsWindowsOnly(t *testing.T) {
	bundle := &Bundle{Windows: &Handle{Kind: KindWindows, Username: "svc_win", Password: "hunter2"}}
	vars := bundle.Vars(windowsProfile())

	if vars["ansible_connection"] != "winrm" {
		t.Fatalf("ansible_connection=%q, want winrm", vars["ansible_connection"])
	}
	if vars["ansible_winrm_transport"] != "ntlm" {
		t.Fatalf("ansible_winrm_transport=%q, want ntlm", vars["ansible_winrm_transport"])
	}
	if vars["ansible_winrm_server_cert_validation"] != "ignore" {
		t.Fatalf("cert validation=%q, want ignore", vars["ansible_winrm_server_cert_validation"])
	}
	if vars["ansible_user"] != "svc_win" {
		t.Fatalf("ansible_user=%q, want svc_win", vars["ansible_user"])
	}
	if strings.Contains(vars["ansible_password"], "hunter2") {
		t.Fatalf("password must not appear literally in vars: %q", vars["ansible_password"])
	}
	if !strings.Contains(vars["ansible_password"], EnvWinRMPassword) {
		t.Fatalf("ansible_password should defer to env lookup, got %q", vars["ansible_password"])
	}
}

func TestResolveMixed(t *testing.T) {
	store := &fakeStore{materials: map[string]secretstore.Material{
		"secret://vault/linux":   {"username": "svc_ansible", "private_key": testKeyPEM(t)},
		"secret://vault/windows": {"username": "svc_win", "password": "hunter2"},
	}}
	resolver := NewResolver(store, nil, t.TempDir())

	bundle, err := resolver.Resolve(context.Background(), mixedProfile(), Config{
		LinuxRef:   "secret://vault/linux",
		WindowsRef: "secret://vault/windows",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer bundle.Release()

	if bundle.Linux == nil || bundle.Windows == nil {
		t.Fatalf("mixed profile must acquire both families")
	}
	vars := bundle.Vars(mixedProfile())
	if _, ok := vars["ansible_connection"]; ok {
		t.Fatalf("mixed profile must not force ansible_connection, got %q", vars["ansible_connection"])
	}
	if vars["ansible_user"] != "svc_ansible" {
		t.Fatalf("linux username must win ansible_user, got %q", vars["ansible_user"])
	}
	if vars["ansible_winrm_transport"] != "ntlm" {
		t.Fatalf("winrm vars must survive the merge, transport=%q", vars["ansible_winrm_transport"])
	}
	if vars["ansible_ssh_private_key_file"] == "" {
		t.Fatalf("expected ssh key file var")
	}
	if len(bundle.Env()) != 4 {
		t.Fatalf("env=%v, want ssh and winrm entries", bundle.Env())
	}
}

func TestResolveMissingPassword(t *testing.T) {
	store := &fakeStore{materials: map[string]secretstore.Material{
		"secret://vault/windows": {"username": "svc_win"},
	}}
	resolver := NewResolver(store, nil, t.TempDir())

	_, err := resolver.Resolve(context.Background(), windowsProfile(), Config{WindowsRef: "secret://vault/windows"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
	if notFound.Kind != KindWindows {
		t.Fatalf("kind=%q, want windows", notFound.Kind)
	}
}

func TestResolveNoRefConfigured(t *testing.T) {
	resolver := NewResolver(&fakeStore{}, nil, t.TempDir())
	_, err := resolver.Resolve(context.Background(), linuxProfile(), Config{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
}

func TestResolveWindowsFailureReleasesLinuxKey(t *testing.T) {
	tmp := t.TempDir()
	store := &fakeStore{materials: map[string]secretstore.Material{
		"secret://vault/linux": {"username": "svc_ansible", "private_key": testKeyPEM(t)},
	}}
	resolver := NewResolver(store, nil, tmp)

	_, err := resolver.Resolve(context.Background(), mixedProfile(), Config{
		LinuxRef:   "secret://vault/linux",
		WindowsRef: "secret://vault/windows",
	})
	if err == nil {
		t.Fatalf("expected error for missing windows secret")
	}
	leftovers, globErr := filepath.Glob(filepath.Join(tmp, "apb-key-*"))
	if globErr != nil {
		t.Fatalf("glob: %v", globErr)
	}
	if len(leftovers) != 0 {
		t.Fatalf("expected materialized keys removed on failure, found %v", leftovers)
	}
}

func TestResolveRejectsGarbageKey(t *testing.T) {
	store := &fakeStore{materials: map[string]secretstore.Material{
		"secret://vault/linux": {"username": "svc_ansible", "private_key": "not a key"},
	}}
	resolver := NewResolver(store, nil, t.TempDir())

	_, err := resolver.Resolve(context.Background(), linuxProfile(), Config{LinuxRef: "secret://vault/linux"})
	if err == nil {
		t.Fatalf("expected error for unparseable key")
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
}
