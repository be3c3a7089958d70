package cmd

import (
	"strings"

	"github.com/chrisvdg/cssoptm/optm"
	"github.com/chrisvdg/cssoptm/server"
	"github.com/chrisvdg/cssoptm/vary"
	"github.com/chrisvdg/cssoptm/worker"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CSSOPTM"

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"listenaddr": "listen_addr",
	"tlsaddr":    "tls_addr",
	"tlskey":     "tls.key_file",
	"tlscert":    "tls.cert_file",
	"tlsonly":    "tls_only",
	"verbose":    "verbose",
	"debug":      "debug",
	"site":       "site_url",
	"static":     "static_dir",
	"summary":    "summary_file",
	"tenant":     "tenant",
	"endpoint":   "cloud.endpoint",
	"apikey":     "cloud.api_key",
	"admintoken": "admin_token",
}

// Loader builds the server configuration from defaults, an optional config
// file, CSSOPTM_ environment variables and command flags, in increasing
// order of precedence
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load returns the server configuration
func (l *Loader) Load(flags *pflag.FlagSet) (*server.Config, error) {
	l.setupDefaults()
	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			l.v.SetConfigFile(f.Value.String())
			err := l.v.ReadInConfig()
			if err != nil {
				return nil, errors.Wrap(err, "failed to read config file")
			}
			log.Debugf("Loaded config file %s", l.v.ConfigFileUsed())
		}
		l.bindFlags(flags)
	}

	return l.build()
}

func (l *Loader) setupDefaults() {
	l.v.SetDefault("listen_addr", ":8080")
	l.v.SetDefault("tls_addr", ":8443")
	l.v.SetDefault("summary_file", "summary.json")
	l.v.SetDefault("static_dir", "static")
	l.v.SetDefault("read_cache_size", 256)
	l.v.SetDefault("fetch_timeout", "30s")
	l.v.SetDefault("cloud.timeout", "30s")
	l.v.SetDefault("cloud.probe_timeout", "180s")
	l.v.SetDefault("vary.name", vary.DefaultVaryName)
	l.v.SetDefault("worker.cooldown", worker.DefaultCooldown)
	l.v.SetDefault("worker.batch_size", worker.DefaultBatchSize)
	l.v.SetDefault("worker.budget", worker.DefaultBudget)
	l.v.SetDefault("cron_interval", "1m")
	l.v.SetDefault("cleanup_interval", "1h")
}

func (l *Loader) bindFlags(flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			_ = l.v.BindPFlag(key, f)
		}
	}
}

func (l *Loader) build() (*server.Config, error) {
	v := l.v
	groups := map[string]int{}
	err := v.UnmarshalKey("vary.groups", &groups)
	if err != nil {
		return nil, errors.Wrap(err, "invalid vary groups")
	}
	debug := v.GetBool("debug")
	whitelist := v.GetStringSlice("ucss.whitelist")

	c := &server.Config{
		ListenAddr:    v.GetString("listen_addr"),
		TLSListenAddr: v.GetString("tls_addr"),
		TLSOnly:       v.GetBool("tls_only"),
		TLS: &server.TLSConfig{
			KeyFile:  v.GetString("tls.key_file"),
			CertFile: v.GetString("tls.cert_file"),
		},
		Verbose:       v.GetBool("verbose"),
		SummaryFile:   v.GetString("summary_file"),
		StaticDir:     v.GetString("static_dir"),
		Tenant:        v.GetString("tenant"),
		ReadCacheSize: v.GetInt("read_cache_size"),
		SiteURL:       v.GetString("site_url"),
		AllowedHosts:  v.GetStringSlice("allowed_hosts"),
		FetchTimeout:  v.GetDuration("fetch_timeout"),
		RetryMax:      v.GetInt("retry_max"),
		Cloud: &server.CloudConfig{
			Endpoint:     v.GetString("cloud.endpoint"),
			APIKey:       v.GetString("cloud.api_key"),
			Timeout:      v.GetDuration("cloud.timeout"),
			ProbeTimeout: v.GetDuration("cloud.probe_timeout"),
		},
		Vary: &vary.Config{
			Secret:      v.GetString("vary.secret"),
			Debug:       debug,
			GuestMode:   v.GetBool("vary.guest_mode"),
			VaryName:    v.GetString("vary.name"),
			VaryGroups:  groups,
			VaryCookies: v.GetStringSlice("vary.cookies"),
		},
		Worker: &worker.Config{
			Cooldown:  v.GetDuration("worker.cooldown"),
			BatchSize: v.GetInt("worker.batch_size"),
			Budget:    v.GetDuration("worker.budget"),
			Debug:     debug,
			Whitelist: func() []string { return whitelist },
		},
		Page: &optm.Config{
			PerURL:         v.GetBool("page.per_url"),
			CacheMobile:    v.GetBool("page.cache_mobile"),
			CriticalAppend: v.GetString("page.critical_append"),
			LazySelectors:  v.GetStringSlice("page.lazy_selectors"),
		},
		CronInterval:         v.GetDuration("cron_interval"),
		CacheCleanupInterval: v.GetDuration("cleanup_interval"),
		ActionRedirect:       v.GetString("action_redirect"),
		AdminToken:           v.GetString("admin_token"),
	}

	return c, nil
}
