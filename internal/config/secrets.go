package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

var ErrSecretNotFound = errors.New("secret not found")

// SecretBackend resolves SECRET[name.key] references for one backend.
type SecretBackend interface {
	Retrieve(ctx context.Context, keys []string) (map[string]string, error)
}

// NewSecretBackend builds a backend from its declaration.
//
//	type = "env"   keys map to PREFIX + upper(key with . and / as _)
//	type = "file"  path points at a JSON object of string values
//	type = "vault" keys are "path#field" in a KV v2 mount (path option, default "secret")
func NewSecretBackend(name string, c SecretBackendConfig) (SecretBackend, error) {
	switch strings.ToLower(c.Type) {
	case "env", "":
		return envSecrets{prefix: c.Prefix, lookup: os.LookupEnv}, nil
	case "file":
		if c.Path == "" {
			return nil, fmt.Errorf("secret backend %q: path is required", name)
		}
		return fileSecrets{path: c.Path}, nil
	case "vault":
		return newVaultSecrets(c)
	default:
		return nil, fmt.Errorf("secret backend %q: unknown type %q", name, c.Type)
	}
}

type envSecrets struct {
	prefix string
	lookup func(string) (string, bool)
}

func (e envSecrets) Retrieve(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	var errs []error
	for _, k := range keys {
		name := strings.ToUpper(e.prefix + strings.NewReplacer(".", "_", "/", "_", "-", "_").Replace(k))
		v, ok := e.lookup(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: env var %s", ErrSecretNotFound, name))
			continue
		}
		out[k] = v
	}
	return out, errors.Join(errs...)
}

type fileSecrets struct {
	path string
}

func (f fileSecrets) Retrieve(_ context.Context, keys []string) (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	var all map[string]string
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", f.path, err)
	}
	out := make(map[string]string, len(keys))
	var errs []error
	for _, k := range keys {
		v, ok := all[k]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q in %s", ErrSecretNotFound, k, f.path))
			continue
		}
		out[k] = v
	}
	return out, errors.Join(errs...)
}

type vaultSecrets struct {
	kv *vault.KVv2
}

func newVaultSecrets(c SecretBackendConfig) (*vaultSecrets, error) {
	vc := vault.DefaultConfig()
	if c.Address != "" {
		vc.Address = c.Address
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if c.Token != "" {
		client.SetToken(c.Token)
	}
	mount := c.Path
	if mount == "" {
		mount = "secret"
	}
	return &vaultSecrets{kv: client.KVv2(mount)}, nil
}

func (v *vaultSecrets) Retrieve(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	cache := map[string]map[string]any{}
	var errs []error
	for _, k := range keys {
		path, field := k, ""
		if i := strings.LastIndex(k, "#"); i >= 0 {
			path, field = k[:i], k[i+1:]
		}
		data, ok := cache[path]
		if !ok {
			s, err := v.kv.Get(ctx, path)
			if err != nil {
				errs = append(errs, fmt.Errorf("vault read %s: %w", path, err))
				continue
			}
			data = s.Data
			cache[path] = data
		}
		if field == "" {
			b, err := json.Marshal(data)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out[k] = string(b)
			continue
		}
		val, ok := data[field]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: field %q at %s", ErrSecretNotFound, field, path))
			continue
		}
		out[k] = fmt.Sprint(val)
	}
	return out, errors.Join(errs...)
}
