// Package secrets fetches and normalizes credentials for remote services.
package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"google.golang.org/api/option"
	secretmanager "google.golang.org/api/secretmanager/v1"

	"github.com/jonathan/video-publisher/internal/failure"
)

// Provider resolves a named secret to a normalized string.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Normalize turns raw secret bytes into a usable token: the bytes must be
// valid UTF-8, a leading byte-order mark is dropped, control characters
// are removed and surrounding whitespace trimmed. An empty result is a
// configuration error.
func Normalize(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", failure.Configuration("secret is not valid UTF-8", nil)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)

	cleaned := strings.Map(func(r rune) rune {
		if r == '\uFEFF' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, string(raw))
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return "", failure.Configuration("secret is empty after normalization", nil)
	}
	return cleaned, nil
}

// GCPProvider reads the latest version of secrets from Google Secret Manager.
type GCPProvider struct {
	svc       *secretmanager.Service
	projectID string
}

// NewGCPProvider creates a provider using application default credentials.
func NewGCPProvider(ctx context.Context, projectID string, opts ...option.ClientOption) (*GCPProvider, error) {
	svc, err := secretmanager.NewService(ctx, opts...)
	if err != nil {
		return nil, failure.Configuration("failed to create secret manager client", err)
	}
	return &GCPProvider{svc: svc, projectID: projectID}, nil
}

// VersionName returns the resource name of the latest version of a secret.
func VersionName(projectID, name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, name)
}

// Get accesses and normalizes the latest version of the named secret.
func (p *GCPProvider) Get(ctx context.Context, name string) (string, error) {
	resp, err := p.svc.Projects.Secrets.Versions.Access(VersionName(p.projectID, name)).Context(ctx).Do()
	if err != nil {
		fe := failure.FromGoogleAPI(fmt.Sprintf("failed to access secret %s", name), err)
		if fe.StatusCode == 404 {
			fe.Kind = failure.KindConfiguration
		}
		return "", fe
	}
	if resp.Payload == nil {
		return "", failure.Configuration(fmt.Sprintf("secret %s has no payload", name), nil)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Payload.Data)
	if err != nil {
		return "", failure.Configuration(fmt.Sprintf("secret %s payload is not base64", name), err)
	}
	return Normalize(data)
}

// EnvProvider reads secrets from environment variables. The variable name
// is the secret name upper-cased with dashes replaced by underscores.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider backed by the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// EnvName returns the environment variable consulted for a secret name.
func EnvName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Get returns the normalized value of the secret's environment variable.
func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := p.lookup(EnvName(name))
	if !ok {
		return "", failure.Configuration(fmt.Sprintf("environment variable %s is not set", EnvName(name)), nil)
	}
	return Normalize([]byte(v))
}
