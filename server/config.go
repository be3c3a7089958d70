package server

import (
	"time"

	"github.com/chrisvdg/cssoptm/optm"
	"github.com/chrisvdg/cssoptm/vary"
	"github.com/chrisvdg/cssoptm/worker"
)

// Config represents a server config
type Config struct {
	ListenAddr    string
	TLSListenAddr string
	TLSOnly       bool
	TLS           *TLSConfig
	Verbose       bool
	// SummaryFile holds the generation queues
	SummaryFile string
	// StaticDir is the root of the artifact tree
	StaticDir string
	// Tenant namespaces the artifacts of one site in a shared tree
	Tenant string
	// ReadCacheSize is the number of artifacts kept in memory
	ReadCacheSize int
	// SiteURL is the site guest copies are rendered from
	SiteURL string
	// AllowedHosts lists extra hosts stylesheets may be loaded from
	AllowedHosts []string
	FetchTimeout time.Duration
	// RetryMax is the number of retries of outbound requests after a
	// transport error, 0 uses the default and a negative value disables them
	RetryMax int
	// SkipSiteCheck does not check the site is reachable on start
	SkipSiteCheck bool

	Cloud *CloudConfig
	Vary  *vary.Config
	// Worker holds the drain policy, its hooks are left untouched
	Worker *worker.Config
	Page   *optm.Config

	// CronInterval is the period of one-shot drains, 0 disables them
	CronInterval time.Duration
	// CacheCleanupInterval is the period of unreferenced artifact sweeps
	CacheCleanupInterval time.Duration
	// ActionRedirect is where operator actions redirect to
	ActionRedirect string
	// AdminToken authorizes operator routes through the X-Admin-Token
	// header, operator routes are refused when empty
	AdminToken string
}

// TLSConfig represents a TLS configuration
type TLSConfig struct {
	KeyFile  string
	CertFile string
}

// CloudConfig represents the generation service settings
type CloudConfig struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	ProbeTimeout time.Duration
}
