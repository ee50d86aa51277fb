// Package signoz implements the observe.Backend capability against a SigNoz
// query service.
package signoz

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the address of a local SigNoz query service.
	DefaultBaseURL = "http://localhost:8080"

	// DefaultAPIKeyHeader carries the key for AuthAPIKey.
	DefaultAPIKeyHeader = "SIGNOZ-API-KEY"

	// DefaultTimeout bounds every outbound call.
	DefaultTimeout = 30 * time.Second

	// DefaultLimit is used when a query leaves Limit unset.
	DefaultLimit = 100

	// MaxLimit is the largest page the backend accepts.
	MaxLimit = 10000

	// DefaultMetric is queried when a MetricQuery names no metric.
	DefaultMetric = "signoz_calls_total"

	// DefaultStep is the metric bucket width when a MetricQuery leaves Step unset.
	DefaultStep = 60 * time.Second
)

// AuthMode selects how requests are authenticated.
type AuthMode string

const (
	AuthNone        AuthMode = "none"
	AuthAPIKey      AuthMode = "api_key"
	AuthBearer      AuthMode = "bearer"
	AuthCredentials AuthMode = "credentials"
)

// AuthMethod is the active authentication variant. Only the fields matching
// Mode are meaningful.
type AuthMethod struct {
	Mode     AuthMode
	Key      string
	Header   string
	Token    string
	Email    string
	Password string
}

// NoAuth sends requests unauthenticated.
func NoAuth() AuthMethod { return AuthMethod{Mode: AuthNone} }

// APIKey attaches key under the default header.
func APIKey(key string) AuthMethod {
	return AuthMethod{Mode: AuthAPIKey, Key: key, Header: DefaultAPIKeyHeader}
}

// APIKeyHeader attaches key under a custom header.
func APIKeyHeader(header, key string) AuthMethod {
	return AuthMethod{Mode: AuthAPIKey, Key: key, Header: header}
}

// Bearer attaches a static bearer token.
func Bearer(token string) AuthMethod { return AuthMethod{Mode: AuthBearer, Token: token} }

// Credentials logs in with email and password and uses the returned token.
func Credentials(email, password string) AuthMethod {
	return AuthMethod{Mode: AuthCredentials, Email: email, Password: password}
}

// String never reveals secrets.
func (a AuthMethod) String() string {
	switch a.Mode {
	case AuthAPIKey:
		return "api_key(" + a.header() + ")"
	case AuthCredentials:
		return "credentials(" + a.Email + ")"
	case AuthBearer:
		return "bearer"
	default:
		return "none"
	}
}

func (a AuthMethod) header() string {
	if a.Header == "" {
		return DefaultAPIKeyHeader
	}
	return a.Header
}

// Validate checks the fields the mode requires.
func (a AuthMethod) Validate() error {
	switch a.Mode {
	case "", AuthNone:
		return nil
	case AuthAPIKey:
		if a.Key == "" {
			return fmt.Errorf("api key auth requires a key")
		}
		if strings.ContainsAny(a.header(), " :\r\n") {
			return fmt.Errorf("invalid api key header name %q", a.Header)
		}
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth requires a token")
		}
	case AuthCredentials:
		if a.Email == "" || a.Password == "" {
			return fmt.Errorf("credentials auth requires email and password")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", a.Mode)
	}
	return nil
}

// HTTPDoer is the subset of *http.Client the backend uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Backend.
type Config struct {
	BaseURL string
	Auth    AuthMethod
	Timeout time.Duration

	// MaxLimit caps Query.Limit; larger limits are rejected.
	MaxLimit int
}

// DefaultConfig returns a config for a local unauthenticated SigNoz.
func DefaultConfig() Config {
	return Config{
		BaseURL:  DefaultBaseURL,
		Auth:     NoAuth(),
		Timeout:  DefaultTimeout,
		MaxLimit: MaxLimit,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = MaxLimit
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthNone
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base url must not be empty")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base url %q must start with http:// or https://", c.BaseURL)
	}
	return c.Auth.Validate()
}
