package utils

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

var EtcDir = "."

// ConfigFileName is the name of the configuration file looked up in the
// config directory.
const ConfigFileName = "ows.yaml"

const (
	DefaultXMLLookahead         = 8192
	DefaultXMLLogBufferSize     = 1024
	DefaultFileSizeThreshold    = 10 * 1024
	DefaultCacheExpiration      = 300
	DefaultSecurityErrorStatus  = 403
	defaultServiceOperationName = "GetCapabilities"
)

// DispatcherConfig tunes request dispatching.
type DispatcherConfig struct {
	CiteCompliant               bool   `yaml:"cite_compliant"`
	XMLLookahead                int    `yaml:"xml_lookahead"`
	XMLPostRequestLogBufferSize int    `yaml:"xml_post_request_log_buffer_size"`
	ContextPath                 string `yaml:"context_path"`
	ProxyBaseURL                string `yaml:"proxy_base_url"`
	BufferedOutput              bool   `yaml:"buffered_output"`
	// FileSizeThreshold is the size above which multipart uploads are
	// written to TempDir.
	FileSizeThreshold int64  `yaml:"file_size_threshold"`
	TempDir           string `yaml:"temp_dir"`
	// MaxConcurrentRequests queues calls beyond the limit, 0 is no limit.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
}

// ServiceConfig publishes one version of one OWS service.
type ServiceConfig struct {
	ID             string   `yaml:"id"`
	Version        string   `yaml:"version"`
	Namespace      string   `yaml:"namespace"`
	Title          string   `yaml:"title"`
	Abstract       string   `yaml:"abstract"`
	Keywords       []string `yaml:"keywords"`
	OnlineResource string   `yaml:"online_resource"`
	Operations     []string `yaml:"operations"`
}

// RuleConfig is an access rule. Expression is evaluated for every call
// and the call is denied when it evaluates to false.
type RuleConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
	Status     int    `yaml:"status"`
}

type CacheConfig struct {
	Servers []string `yaml:"servers"`
	// Expiration in seconds.
	Expiration int32 `yaml:"expiration"`
}

type MetricsConfig struct {
	LogDir         string `yaml:"log_dir"`
	MaxLogFileSize int64  `yaml:"max_log_file_size"`
	MaxLogFiles    int    `yaml:"max_log_files"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	PostgresTable  string `yaml:"postgres_table"`
	Prometheus     bool   `yaml:"prometheus"`
}

// Config is the configuration of an OWS server: how requests are
// dispatched, which services are published and the optional access
// rules, response cache and request metrics.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	GrpcPort   int              `yaml:"grpc_port"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Services   []ServiceConfig  `yaml:"services"`
	Rules      []RuleConfig     `yaml:"rules"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

var versionRe = regexp.MustCompile(`^\d+(\.\d+){0,2}$`)

// LoadConfigFile reads and validates a YAML config document, applying
// defaults to the settings left out.
func LoadConfigFile(configFile string) (*Config, error) {
	data, err := ioutil.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("Error while reading config file: %s. Error: %v", configFile, err)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("Error in config file: %s. Error: %v", configFile, err)
	}
	return config, nil
}

// ParseConfig decodes a YAML config document.
func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, errors.Wrap(err, "parsing YAML")
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (config *Config) applyDefaults() {
	d := &config.Dispatcher
	if d.XMLLookahead == 0 {
		d.XMLLookahead = DefaultXMLLookahead
	}
	if d.XMLPostRequestLogBufferSize == 0 {
		d.XMLPostRequestLogBufferSize = DefaultXMLLogBufferSize
	}
	if d.FileSizeThreshold == 0 {
		d.FileSizeThreshold = DefaultFileSizeThreshold
	}
	d.ContextPath = "/" + strings.Trim(d.ContextPath, "/")

	for i := range config.Services {
		s := &config.Services[i]
		if len(s.Operations) == 0 {
			s.Operations = []string{defaultServiceOperationName}
		}
		if s.Title == "" {
			s.Title = strings.ToUpper(s.ID)
		}
	}
	for i := range config.Rules {
		if config.Rules[i].Status == 0 {
			config.Rules[i].Status = DefaultSecurityErrorStatus
		}
	}
	if len(config.Cache.Servers) > 0 && config.Cache.Expiration == 0 {
		config.Cache.Expiration = DefaultCacheExpiration
	}
	if config.LogLevel == "" {
		config.LogLevel = logrus.InfoLevel.String()
	}
}

// Validate checks the consistency of the configuration.
func (config *Config) Validate() error {
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return err
	}
	if config.Dispatcher.XMLLookahead < 0 {
		return fmt.Errorf("xml_lookahead must be positive: %d", config.Dispatcher.XMLLookahead)
	}
	if config.Dispatcher.MaxConcurrentRequests < 0 {
		return fmt.Errorf("max_concurrent_requests must not be negative: %d", config.Dispatcher.MaxConcurrentRequests)
	}
	if len(config.Services) == 0 {
		return fmt.Errorf("No service configured")
	}

	seen := make(map[string]bool)
	for _, s := range config.Services {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("Service without id")
		}
		if !versionRe.MatchString(s.Version) {
			return fmt.Errorf("Invalid version %q for service %s", s.Version, s.ID)
		}
		key := strings.ToLower(s.ID) + "|" + s.Version
		if seen[key] {
			return fmt.Errorf("Service %s %s is configured twice", s.ID, s.Version)
		}
		seen[key] = true
	}

	for _, r := range config.Rules {
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("Rule %q has no expression", r.Name)
		}
		if r.Status != 401 && r.Status != 403 {
			return fmt.Errorf("Rule %q status must be 401 or 403, got %d", r.Name, r.Status)
		}
	}
	if config.Cache.Expiration < 0 {
		return fmt.Errorf("Cache expiration must not be negative")
	}
	return nil
}

// Dump writes the configuration, defaults included, as YAML.
func (config *Config) Dump() (string, error) {
	out, err := yaml.Marshal(config)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// WatchConfig reloads configFile on SIGHUP and hands the new configuration
// to reload. A configuration failing to load is logged and skipped, the
// running one stays in place. Calling the returned function stops
// watching.
func WatchConfig(configFile string, reload func(*Config) error) func() {
	sighup := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-sighup:
				configLog.Infof("Caught SIGHUP, reloading config %s", configFile)
				config, err := LoadConfigFile(configFile)
				if err != nil {
					configLog.Errorf("Error in loading config file: %v", err)
					continue
				}
				if err = reload(config); err != nil {
					configLog.Errorf("Error in applying config file: %v", err)
				}
			case <-done:
				signal.Stop(sighup)
				return
			}
		}
	}()
	return func() { close(done) }
}

var configLog = logrus.WithField("component", "config")
