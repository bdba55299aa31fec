// Package migration implements phased routing between this module's
// native Go handlers and the legacy remote API they are gradually
// replacing, plus the fallback and metrics machinery that keeps the
// remote backend as a safety net during the transition.
package migration

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/pvenet/pve-network-go/netd/errs"
)

// Phase is a gradual-rollout stage: each later phase hands more endpoints
// over to the native implementation.
type Phase string

const (
	PhaseRemoteOnly       Phase = "remote-only"
	PhaseNativeReadOnly   Phase = "native-read-only"
	PhaseNativeBasicWrite Phase = "native-basic-write"
	PhaseNativeAdvanced   Phase = "native-advanced"
	PhaseNativeSdn        Phase = "native-sdn"
	PhaseNativeFull       Phase = "native-full"
)

// ParsePhase accepts either hyphen or underscore separated phase names.
func ParsePhase(s string) (Phase, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case string(PhaseRemoteOnly):
		return PhaseRemoteOnly, nil
	case string(PhaseNativeReadOnly):
		return PhaseNativeReadOnly, nil
	case string(PhaseNativeBasicWrite):
		return PhaseNativeBasicWrite, nil
	case string(PhaseNativeAdvanced):
		return PhaseNativeAdvanced, nil
	case string(PhaseNativeSdn):
		return PhaseNativeSdn, nil
	case string(PhaseNativeFull):
		return PhaseNativeFull, nil
	default:
		return "", errs.New(errs.KindInvalidValue, "unknown migration phase %q", s)
	}
}

// EndpointConfig is the per-endpoint routing override. Endpoint is keyed
// by its mux-style path pattern (e.g. "/nodes/{node}/network").
type EndpointConfig struct {
	UseNative       bool          `mapstructure:"use_native"`
	FallbackOnError bool          `mapstructure:"fallback_on_error"`
	NativeTimeout   time.Duration `mapstructure:"native_timeout"`
	NativeMethods   []string      `mapstructure:"native_methods"`
}

// allowsMethod reports whether method is handled natively under this
// endpoint's method restriction (no restriction means every method).
func (e EndpointConfig) allowsMethod(method string) bool {
	if len(e.NativeMethods) == 0 {
		return true
	}

	for _, m := range e.NativeMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}

	return false
}

// Config is the migration middleware's hot-reloadable configuration.
type Config struct {
	mu sync.RWMutex

	Phase                 Phase                     `mapstructure:"phase"`
	FallbackEnabled       bool                      `mapstructure:"fallback_enabled"`
	FallbackMutations     bool                      `mapstructure:"fallback_mutations"`
	FallbackTimeout       time.Duration             `mapstructure:"fallback_timeout"`
	RemoteBaseURL         string                    `mapstructure:"remote_base_url"`
	RemoteTimeout         time.Duration             `mapstructure:"remote_timeout"`
	Endpoints             map[string]EndpointConfig `mapstructure:"endpoints"`
	Features              map[string]bool           `mapstructure:"features"`
	LogMigrationDecisions bool                      `mapstructure:"log_migration_decisions"`
	MetricsEnabled        bool                      `mapstructure:"metrics_enabled"`
}

// defaultEndpoints mirrors the endpoint table the remote migration
// config shipped with, one entry per network/SDN path this module
// exposes over the HTTP routing adapter.
func defaultEndpoints() map[string]EndpointConfig {
	type entry struct {
		path    string
		methods []string
		timeout time.Duration
	}

	entries := []entry{
		{"/nodes/{node}/network", []string{"GET", "POST"}, 30 * time.Second},
		{"/nodes/{node}/network/{iface}", []string{"GET", "PUT", "DELETE"}, 30 * time.Second},
		{"/nodes/{node}/network/reload", []string{"POST"}, 60 * time.Second},
		{"/sdn/zones", []string{"GET"}, 30 * time.Second},
		{"/sdn/vnets", []string{"GET"}, 30 * time.Second},
		{"/sdn/subnets", []string{"GET"}, 30 * time.Second},
		{"/sdn/controllers", []string{"GET"}, 30 * time.Second},
		{"/sdn/ipams", []string{"GET"}, 30 * time.Second},
		{"/sdn/zones/{zone}", []string{"POST", "PUT", "DELETE"}, 60 * time.Second},
		{"/sdn/vnets/{vnet}", []string{"POST", "PUT", "DELETE"}, 60 * time.Second},
	}

	out := make(map[string]EndpointConfig, len(entries))
	for _, e := range entries {
		out[e.path] = EndpointConfig{
			UseNative:       false,
			FallbackOnError: true,
			NativeTimeout:   e.timeout,
			NativeMethods:   e.methods,
		}
	}

	return out
}

// DefaultConfig returns a Config with every endpoint starting on the
// remote backend, matching the conservative "ship dark, enable per
// phase" default.
func DefaultConfig() *Config {
	return &Config{
		Phase:                 PhaseRemoteOnly,
		FallbackEnabled:       true,
		FallbackMutations:     false,
		FallbackTimeout:       30 * time.Second,
		RemoteBaseURL:         "http://localhost:8006",
		RemoteTimeout:         60 * time.Second,
		Endpoints:             defaultEndpoints(),
		Features:              map[string]bool{},
		LogMigrationDecisions: true,
		MetricsEnabled:        true,
	}
}

// LoadConfig reads a migration config from path (if it exists) layered
// over defaults and "PVE_NETWORK_MIGRATION_"-prefixed environment
// variables, the Go analogue of the original's
// config::Config::builder().add_source(File).add_source(Environment).
// If onChange is non-nil, the file is watched via fsnotify and onChange
// is invoked with the freshly reloaded Config on every write.
func LoadConfig(path string, onChange func(*Config)) (*Config, error) {
	v := viper.New()
	setViperDefaults(v)

	v.SetEnvPrefix("PVE_NETWORK_MIGRATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errs.Wrap(errs.KindParse, err, "loading migration config from %s", path)
			}
		}
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}

	cfg.UpdateEndpointsForPhase()

	if path != "" && onChange != nil {
		v.OnConfigChange(func(in fsnotify.Event) {
			reloaded, err := decodeConfig(v)
			if err != nil {
				return
			}

			reloaded.UpdateEndpointsForPhase()
			onChange(reloaded)
		})
		v.WatchConfig()
	}

	return cfg, nil
}

func setViperDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("phase", string(def.Phase))
	v.SetDefault("fallback_enabled", def.FallbackEnabled)
	v.SetDefault("fallback_timeout", def.FallbackTimeout)
	v.SetDefault("remote_base_url", def.RemoteBaseURL)
	v.SetDefault("remote_timeout", def.RemoteTimeout)
	v.SetDefault("log_migration_decisions", def.LogMigrationDecisions)
	v.SetDefault("metrics_enabled", def.MetricsEnabled)
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	phaseStr := v.GetString("phase")
	phase, err := ParsePhase(phaseStr)
	if err != nil {
		return nil, err
	}
	cfg.Phase = phase

	cfg.FallbackEnabled = v.GetBool("fallback_enabled")
	cfg.FallbackTimeout = v.GetDuration("fallback_timeout")
	cfg.RemoteBaseURL = v.GetString("remote_base_url")
	cfg.RemoteTimeout = v.GetDuration("remote_timeout")
	cfg.LogMigrationDecisions = v.GetBool("log_migration_decisions")
	cfg.MetricsEnabled = v.GetBool("metrics_enabled")

	if v.IsSet("features") {
		features := map[string]bool{}
		for k, val := range v.GetStringMap("features") {
			if b, ok := val.(bool); ok {
				features[k] = b
			}
		}
		cfg.Features = features
	}

	if v.IsSet("endpoints") {
		var endpoints map[string]EndpointConfig
		if err := v.UnmarshalKey("endpoints", &endpoints); err != nil {
			return nil, errs.Wrap(errs.KindParse, err, "decoding migration endpoints")
		}
		cfg.Endpoints = endpoints
	}

	return cfg, nil
}

// UpdateEndpointsForPhase recomputes every endpoint's UseNative flag from
// the current Phase, the Go port of the original's
// update_endpoints_for_phase.
func (c *Config) UpdateEndpointsForPhase() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Phase {
	case PhaseRemoteOnly:
		for path, ep := range c.Endpoints {
			ep.UseNative = false
			c.Endpoints[path] = ep
		}
	case PhaseNativeReadOnly:
		for path, ep := range c.Endpoints {
			ep.UseNative = ep.allowsMethod("GET")
			c.Endpoints[path] = ep
		}
	case PhaseNativeBasicWrite:
		basic := []string{
			"/nodes/{node}/network",
			"/nodes/{node}/network/{iface}",
		}
		for path, ep := range c.Endpoints {
			ep.UseNative = false
			for _, prefix := range basic {
				if strings.Contains(path, prefix) {
					ep.UseNative = true
					break
				}
			}
			c.Endpoints[path] = ep
		}
	case PhaseNativeAdvanced:
		for path, ep := range c.Endpoints {
			if strings.Contains(path, "/network") {
				ep.UseNative = true
				c.Endpoints[path] = ep
			}
		}
	case PhaseNativeSdn:
		for path, ep := range c.Endpoints {
			if strings.Contains(path, "/network") || strings.Contains(path, "/sdn") {
				ep.UseNative = true
				c.Endpoints[path] = ep
			}
		}
	case PhaseNativeFull:
		for path, ep := range c.Endpoints {
			ep.UseNative = true
			c.Endpoints[path] = ep
		}
	}
}

// ShouldUseNative reports whether endpoint/method should be routed to the
// native handler.
func (c *Config) ShouldUseNative(endpoint, method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ep, ok := c.Endpoints[endpoint]; ok {
		return ep.UseNative && ep.allowsMethod(method)
	}

	switch c.Phase {
	case PhaseNativeReadOnly:
		return strings.EqualFold(method, "GET")
	case PhaseNativeFull:
		return true
	default:
		return false
	}
}

// ShouldFallback reports whether a native failure on a method request to
// endpoint may fall back to the remote backend. Mutating methods
// (anything but GET/HEAD/OPTIONS) only fall back when FallbackMutations
// is set, since a partially applied native write followed by a remote
// retry can double-apply.
func (c *Config) ShouldFallback(endpoint, method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if isMutatingMethod(method) && !c.FallbackMutations {
		return false
	}

	if ep, ok := c.Endpoints[endpoint]; ok {
		return ep.FallbackOnError && c.FallbackEnabled
	}

	return c.FallbackEnabled
}

// isMutatingMethod reports whether method may change state, as opposed
// to GET/HEAD/OPTIONS which are safe to retry against either backend.
func isMutatingMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return false
	default:
		return true
	}
}

// Timeout returns the native-handler timeout configured for endpoint.
func (c *Config) Timeout(endpoint string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ep, ok := c.Endpoints[endpoint]; ok && ep.NativeTimeout > 0 {
		return ep.NativeTimeout
	}

	return c.FallbackTimeout
}

// IsFeatureEnabled reports whether a named feature flag is set.
func (c *Config) IsFeatureEnabled(feature string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.Features[feature]
}

// SetFeature enables or disables a named feature flag.
func (c *Config) SetFeature(feature string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Features[feature] = enabled
}
