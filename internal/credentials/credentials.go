// Package credentials acquires and releases the login material a dispatch
// needs for its target OS families. Linux targets authenticate with an SSH
// key, Windows targets with a password over WinRM/NTLM, and mixed targets
// carry both at once. Secret values travel to ansible through the process
// environment, never through argv.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/kubekattle/apb/internal/classify"
	"github.com/kubekattle/apb/internal/secretstore"
)

// Kind names a credential family.
type Kind string

const (
	KindLinux   Kind = "linux"
	KindWindows Kind = "windows"
)

// Environment variable names the built invocation exports. The WinRM
// password is referenced from ansible vars via an env lookup so it never
// appears on the command line.
const (
	EnvSSHUser       = "APB_SSH_USER"
	EnvSSHKeyFile    = "APB_SSH_KEY_FILE"
	EnvWinRMUser     = "APB_WINRM_USER"
	EnvWinRMPassword = "APB_WINRM_PASSWORD"
)

// Ansible variable names and fixed values for the two connection flavors.
const (
	varAnsibleUser        = "ansible_user"
	varSSHPrivateKeyFile  = "ansible_ssh_private_key_file"
	varAnsiblePassword    = "ansible_password"
	varConnection         = "ansible_connection"
	varWinRMTransport     = "ansible_winrm_transport"
	varWinRMCertCheck     = "ansible_winrm_server_cert_validation"
	winRMConnection       = "winrm"
	winRMTransportNTLM    = "ntlm"
	winRMCertCheckIgnore  = "ignore"
	winRMPasswordTemplate = "{{ lookup('env', '" + EnvWinRMPassword + "') }}"
)

// NotFoundError reports credential material that could not be acquired.
// It is fatal before execution starts; a dispatch never proceeds with a
// partial credential set.
type NotFoundError struct {
	Kind Kind
	Ref  string
	Err  error
}

func (e *NotFoundError) Error() string {
	ref := e.Ref
	if ref == "" {
		ref = "(no reference configured)"
	}
	return fmt.Sprintf("%s credential %s: %v", e.Kind, ref, e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// Handle is one acquired credential set.
type Handle struct {
	Kind     Kind
	Ref      string
	Username string
	Password string
	KeyFile  string
	keyTemp  bool
}

// Config names the secret references for each credential family.
type Config struct {
	LinuxRef   string
	WindowsRef string
}

// Refs returns the configured references for validation.
func (c Config) Refs() []string {
	var refs []string
	if strings.TrimSpace(c.LinuxRef) != "" {
		refs = append(refs, c.LinuxRef)
	}
	if strings.TrimSpace(c.WindowsRef) != "" {
		refs = append(refs, c.WindowsRef)
	}
	return refs
}

// Store fetches whole-secret material for a reference.
type Store interface {
	FetchMaterial(ctx context.Context, reference string) (secretstore.Material, error)
}

// Resolver turns an OS profile into an acquired credential bundle.
type Resolver struct {
	store  Store
	logger *zap.Logger
	tmpDir string
}

// NewResolver builds a resolver. tmpDir is where inline SSH keys are
// materialized; empty means the system temp directory.
func NewResolver(store Store, logger *zap.Logger, tmpDir string) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger, tmpDir: tmpDir}
}

// Resolve acquires every credential the profile requires. On any failure
// it releases whatever it already acquired and returns a NotFoundError.
// Mixed profiles acquire both families for one combined invocation; the
// targets are never partitioned into separate runs.
func (r *Resolver) Resolve(ctx context.Context, profile classify.OsProfile, cfg Config) (*Bundle, error) {
	bundle := &Bundle{logger: r.logger}
	if profile.HasLinux {
		handle, err := r.resolveLinux(ctx, cfg.LinuxRef)
		if err != nil {
			return nil, err
		}
		bundle.Linux = handle
	}
	if profile.HasWindows {
		handle, err := r.resolveWindows(ctx, cfg.WindowsRef)
		if err != nil {
			_ = bundle.Release()
			return nil, err
		}
		bundle.Windows = handle
		r.logger.Warn("winrm transport uses ntlm with server certificate validation disabled",
			zap.String("ref", handle.Ref))
	}
	if profile.IsMixed() && bundle.Linux != nil && bundle.Windows != nil &&
		bundle.Linux.Username != bundle.Windows.Username {
		r.logger.Warn("mixed profile keeps the linux ansible_user; set ansible_user per group in inventory for windows hosts",
			zap.String("linux_user", bundle.Linux.Username),
			zap.String("windows_user", bundle.Windows.Username))
	}
	return bundle, nil
}

func (r *Resolver) resolveLinux(ctx context.Context, ref string) (*Handle, error) {
	material, err := r.fetch(ctx, KindLinux, ref)
	if err != nil {
		return nil, err
	}
	username, ok := material.Field("username", "user")
	if !ok {
		return nil, &NotFoundError{Kind: KindLinux, Ref: ref, Err: fmt.Errorf("material has no username field (available: %v)", material.FieldNames())}
	}
	handle := &Handle{Kind: KindLinux, Ref: ref, Username: username}

	if keyFile, ok := material.Field("key_file", "private_key_file", "ssh_key_file"); ok {
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, &NotFoundError{Kind: KindLinux, Ref: ref, Err: fmt.Errorf("read ssh key file: %w", err)}
		}
		if err := r.checkKey(raw, ref); err != nil {
			return nil, err
		}
		handle.KeyFile = keyFile
	} else if key, ok := material.Field("private_key", "ssh_private_key"); ok {
		if err := r.checkKey([]byte(key), ref); err != nil {
			return nil, err
		}
		path, err := r.materializeKey(key)
		if err != nil {
			return nil, &NotFoundError{Kind: KindLinux, Ref: ref, Err: err}
		}
		handle.KeyFile = path
		handle.keyTemp = true
	} else {
		return nil, &NotFoundError{Kind: KindLinux, Ref: ref, Err: fmt.Errorf("material has neither private_key nor key_file (available: %v)", material.FieldNames())}
	}

	r.logger.Info("acquired linux credential",
		zap.String("ref", ref),
		zap.String("username", username))
	return handle, nil
}

func (r *Resolver) resolveWindows(ctx context.Context, ref string) (*Handle, error) {
	material, err := r.fetch(ctx, KindWindows, ref)
	if err != nil {
		return nil, err
	}
	username, ok := material.Field("username", "user")
	if !ok {
		return nil, &NotFoundError{Kind: KindWindows, Ref: ref, Err: fmt.Errorf("material has no username field (available: %v)", material.FieldNames())}
	}
	password, ok := material.Field("password")
	if !ok {
		return nil, &NotFoundError{Kind: KindWindows, Ref: ref, Err: fmt.Errorf("material has no password field (available: %v)", material.FieldNames())}
	}
	r.logger.Info("acquired windows credential",
		zap.String("ref", ref),
		zap.String("username", username))
	return &Handle{Kind: KindWindows, Ref: ref, Username: username, Password: password}, nil
}

func (r *Resolver) fetch(ctx context.Context, kind Kind, ref string) (secretstore.Material, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, &NotFoundError{Kind: kind, Err: fmt.Errorf("no credential reference configured")}
	}
	if r.store == nil {
		return nil, &NotFoundError{Kind: kind, Ref: ref, Err: fmt.Errorf("no secret store configured")}
	}
	material, err := r.store.FetchMaterial(ctx, ref)
	if err != nil {
		return nil, &NotFoundError{Kind: kind, Ref: ref, Err: err}
	}
	return material, nil
}

// checkKey parses the key material so a corrupt secret fails before ansible
// starts. Passphrase-protected keys pass with a warning; ssh-agent may
// still unlock them at connect time.
func (r *Resolver) checkKey(raw []byte, ref string) error {
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			r.logger.Warn("ssh key is passphrase protected; relying on ssh-agent", zap.String("ref", ref))
			return nil
		}
		return &NotFoundError{Kind: KindLinux, Ref: ref, Err: fmt.Errorf("invalid ssh private key: %w", err)}
	}
	r.logger.Debug("ssh key validated",
		zap.String("ref", ref),
		zap.String("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())))
	return nil
}

func (r *Resolver) materializeKey(key string) (string, error) {
	f, err := os.CreateTemp(r.tmpDir, "apb-key-*.pem")
	if err != nil {
		return "", fmt.Errorf("create key file: %w", err)
	}
	path := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("chmod key file: %w", err)
	}
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	if _, err := f.WriteString(key); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close key file: %w", err)
	}
	return path, nil
}

// Bundle carries the credentials acquired for one dispatch. Release is safe
// to call from multiple exit paths; only the first call does the work.
type Bundle struct {
	Linux   *Handle
	Windows *Handle

	logger      *zap.Logger
	releaseOnce sync.Once
	releaseErr  error
}

// Vars returns the ansible extra vars the profile requires. Mixed profiles
// get the union without ansible_connection so inventory-level connection
// settings decide per host; the linux username wins ansible_user, matching
// the default-to-linux posture elsewhere.
func (b *Bundle) Vars(profile classify.OsProfile) map[string]string {
	vars := map[string]string{}
	if b == nil {
		return vars
	}
	if b.Windows != nil && profile.HasWindows {
		vars[varAnsibleUser] = b.Windows.Username
		vars[varAnsiblePassword] = winRMPasswordTemplate
		vars[varWinRMTransport] = winRMTransportNTLM
		vars[varWinRMCertCheck] = winRMCertCheckIgnore
		if !profile.HasLinux {
			vars[varConnection] = winRMConnection
		}
	}
	if b.Linux != nil && profile.HasLinux {
		vars[varAnsibleUser] = b.Linux.Username
		vars[varSSHPrivateKeyFile] = b.Linux.KeyFile
	}
	return vars
}

// Env returns sorted KEY=VALUE pairs for the invocation environment.
func (b *Bundle) Env() []string {
	if b == nil {
		return nil
	}
	var env []string
	if b.Linux != nil {
		env = append(env,
			EnvSSHUser+"="+b.Linux.Username,
			EnvSSHKeyFile+"="+b.Linux.KeyFile)
	}
	if b.Windows != nil {
		env = append(env,
			EnvWinRMUser+"="+b.Windows.Username,
			EnvWinRMPassword+"="+b.Windows.Password)
	}
	sort.Strings(env)
	return env
}

// Refs lists the secret references backing this bundle.
func (b *Bundle) Refs() []string {
	if b == nil {
		return nil
	}
	var refs []string
	if b.Linux != nil {
		refs = append(refs, b.Linux.Ref)
	}
	if b.Windows != nil {
		refs = append(refs, b.Windows.Ref)
	}
	return refs
}

// Release removes materialized key files. Only the first call runs; later
// calls return the first result.
func (b *Bundle) Release() error {
	if b == nil {
		return nil
	}
	b.releaseOnce.Do(func() {
		var errs []string
		for _, handle := range []*Handle{b.Linux, b.Windows} {
			if handle == nil || !handle.keyTemp || handle.KeyFile == "" {
				continue
			}
			if err := os.Remove(handle.KeyFile); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Sprintf("remove %s: %v", handle.KeyFile, err))
				continue
			}
			if b.logger != nil {
				b.logger.Debug("released credential key file", zap.String("path", handle.KeyFile))
			}
		}
		if len(errs) > 0 {
			b.releaseErr = fmt.Errorf("release credentials: %s", strings.Join(errs, "; "))
		}
	})
	return b.releaseErr
}

// MissingFields reports which required fields credential material lacks for
// a family. The audit surface uses it to explain a reference that would
// fail resolution without fetching real secret values.
func MissingFields(kind Kind, m secretstore.Material) []string {
	var missing []string
	if _, ok := m.Field("username", "user"); !ok {
		missing = append(missing, "username")
	}
	switch kind {
	case KindWindows:
		if _, ok := m.Field("password"); !ok {
			missing = append(missing, "password")
		}
	default:
		if _, ok := m.Field("key_file", "private_key_file", "ssh_key_file"); !ok {
			if _, ok := m.Field("private_key", "ssh_private_key"); !ok {
				missing = append(missing, "private_key or key_file")
			}
		}
	}
	return missing
}
