// Package config loads process configuration from the environment using
// struct-tag decoding. Programmatic construction stays possible for tests
// and embedders.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full process configuration.
type Config struct {
	Server   Server
	Catalog  Catalog
	Policy   Policy
	Upstream Upstream
	Limits   Limits
	Sessions Sessions
}

// Server configures the HTTP listener.
type Server struct {
	Addr         string `env:"RESTGATE_ADDR,default=:8080"`
	Name         string `env:"RESTGATE_SERVER_NAME,default=restgate"`
	SharedSecret string `env:"RESTGATE_SHARED_SECRET"`
}

// Catalog points at the pinned generator outputs.
type Catalog struct {
	OperationsPath  string `env:"RESTGATE_OPERATIONS_PATH,required"`
	PagingMapPath   string `env:"RESTGATE_PAGING_MAP_PATH"`
	DefinitionsPath string `env:"RESTGATE_DEFINITIONS_PATH"`
}

// Policy points at the allow/deny lists and the logging-policy document.
type Policy struct {
	AllowListPath     string `env:"RESTGATE_ALLOW_LIST_PATH"`
	DenyListPath      string `env:"RESTGATE_DENY_LIST_PATH"`
	LoggingPolicyPath string `env:"RESTGATE_LOGGING_POLICY_PATH"`
	EnableWrites      bool   `env:"RESTGATE_ENABLE_WRITES,default=false"`
}

// Upstream configures the default client identity and transport safety.
type Upstream struct {
	BaseURL           string   `env:"RESTGATE_BASE_URL"`
	TokenURL          string   `env:"RESTGATE_TOKEN_URL"`
	ClientID          string   `env:"RESTGATE_CLIENT_ID"`
	ClientSecret      string   `env:"RESTGATE_CLIENT_SECRET"`
	Scope             string   `env:"RESTGATE_SCOPE"`
	MaxAttempts       int      `env:"RESTGATE_MAX_ATTEMPTS,default=4"`
	AllowInsecureHTTP bool     `env:"RESTGATE_ALLOW_INSECURE_HTTP,default=false"`
	AllowedHosts      []string `env:"RESTGATE_ALLOWED_HOSTS"`
}

// Limits are the callAll ceilings; requested budgets clamp into these.
type Limits struct {
	PageSize   int           `env:"RESTGATE_MAX_PAGE_SIZE,default=100"`
	Limit      int           `env:"RESTGATE_MAX_ITEMS,default=1000"`
	MaxPages   int           `env:"RESTGATE_MAX_PAGES,default=50"`
	MaxRuntime time.Duration `env:"RESTGATE_MAX_RUNTIME,default=60s"`
}

// Sessions configures the session layer.
type Sessions struct {
	Max int           `env:"RESTGATE_MAX_SESSIONS,default=32"`
	TTL time.Duration `env:"RESTGATE_SESSION_TTL,default=15m"`
}

// FromEnv decodes the configuration from the environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return &cfg, nil
}
