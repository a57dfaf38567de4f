package secretstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

type vaultProvider struct {
	client    *vault.Client
	mount     string
	kvVersion int
	field     string
	auth      vaultAuth
	authOnce  sync.Once
	authErr   error
}

func newVaultProvider(cfg ProviderConfig) (*vaultProvider, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	auth, err := buildVaultAuth(cfg)
	if err != nil {
		return nil, err
	}

	apiCfg := vault.DefaultConfig()
	apiCfg.Address = address
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	if auth.method == vaultAuthToken {
		client.SetToken(auth.token)
	}

	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	kvVersion := cfg.KVVersion
	if kvVersion == 0 {
		kvVersion = 2
	}
	if kvVersion != 1 && kvVersion != 2 {
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
	return &vaultProvider{
		client:    client,
		mount:     mount,
		kvVersion: kvVersion,
		field:     strings.TrimSpace(cfg.Field),
		auth:      auth,
	}, nil
}

// Fetch reads the secret at secretPath and returns its scalar fields.
func (p *vaultProvider) Fetch(ctx context.Context, secretPath string) (Material, error) {
	if p == nil {
		return nil, fmt.Errorf("vault provider is not initialized")
	}
	path := strings.Trim(strings.TrimSpace(secretPath), "/")
	if path == "" {
		return nil, fmt.Errorf("vault secret path is required")
	}
	if err := p.ensureAuth(ctx); err != nil {
		return nil, err
	}
	data, err := p.read(ctx, path)
	if err != nil {
		return nil, err
	}
	material := make(Material, len(data))
	for name, val := range data {
		str, ok := coerceFieldValue(val)
		if !ok {
			continue
		}
		material[name] = str
	}
	if len(material) == 0 {
		return nil, fmt.Errorf("vault secret %q has no scalar fields", secretPath)
	}
	return material, nil
}

// DefaultField returns the configured fallback field for scalar resolution.
func (p *vaultProvider) DefaultField() string {
	if p == nil {
		return ""
	}
	return p.field
}

func (p *vaultProvider) List(ctx context.Context, secretPath string) ([]string, error) {
	if p == nil {
		return nil, fmt.Errorf("vault provider is not initialized")
	}
	if err := p.ensureAuth(ctx); err != nil {
		return nil, err
	}
	path := strings.Trim(strings.TrimSpace(secretPath), "/")
	var listPath string
	switch p.kvVersion {
	case 1:
		if path == "" {
			listPath = p.mount
		} else {
			listPath = fmt.Sprintf("%s/%s", p.mount, path)
		}
	case 2:
		if path == "" {
			listPath = fmt.Sprintf("%s/metadata", p.mount)
		} else {
			listPath = fmt.Sprintf("%s/metadata/%s", p.mount, path)
		}
	default:
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
	secret, err := p.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret path %q not found", secretPath)
	}
	rawKeys, ok := secret.Data["keys"]
	if !ok {
		return nil, fmt.Errorf("vault list response missing keys")
	}
	return coerceStringList(rawKeys)
}

func (p *vaultProvider) read(ctx context.Context, path string) (map[string]interface{}, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, fmt.Errorf("vault secret path is required")
	}
	switch p.kvVersion {
	case 1:
		secret, err := p.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", p.mount, path))
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret not found")
		}
		return secret.Data, nil
	case 2:
		secret, err := p.client.KVv2(p.mount).Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret not found")
		}
		return secret.Data, nil
	default:
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
}
