package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/freundallein/erpexport/catalog"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultRetries        = 3
	defaultRetryDelay     = 2 * time.Second
	defaultRateLimit      = 5.0
	defaultRateBurst      = 2
	defaultPollInterval   = 15 * time.Second
	defaultSettle         = 20 * time.Second
	defaultMaxWait        = 300 * time.Second
	defaultTolerance      = 5 * time.Second
	defaultPageSize       = 200
	defaultProcessingCode = 2006
	defaultDoneState      = 1
	defaultDownloadsDir   = "storage/downloads"
	defaultSchedule       = "0 7 * * *"
	defaultSuperInterval  = 5 * time.Minute
	defaultStaleTimeout   = time.Hour
	defaultExpiration     = 30 * 24 * time.Hour
	defaultRepairBatch    = 100
	defaultMetricsAddr    = ":2112"
)

// Duration accepts either a Go duration string ("15s") or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML ...
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var seconds float64
	if err := unmarshal(&seconds); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the value as time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// AppConfig ...
type AppConfig struct {
	Vendor struct {
		HistoryURL      string            `yaml:"historyURL"`
		Headers         map[string]string `yaml:"headers"`
		OperatorStoreID int64             `yaml:"operatorStoreID"`
		CompanyID       int64             `yaml:"companyID"`
		Operator        string            `yaml:"operator"`
		Timezone        string            `yaml:"timezone"`
		ProcessingCode  int               `yaml:"processingCode"`
		DoneState       int               `yaml:"doneState"`
		KnownStates     []int             `yaml:"knownStates"`
	}
	Transport struct {
		Timeout     Duration `yaml:"timeout"`
		Retries     int      `yaml:"retries"`
		RetryDelay  Duration `yaml:"retryDelay"`
		RateLimit   float64  `yaml:"rateLimit"`
		RateBurst   int      `yaml:"rateBurst"`
		ErrorChance float64  `yaml:"errorChance"`
	}
	Export struct {
		PollInterval Duration `yaml:"pollInterval"`
		Settle       Duration `yaml:"settle"`
		MaxWait      Duration `yaml:"maxWait"`
		Tolerance    Duration `yaml:"tolerance"`
		PageSize     int      `yaml:"pageSize"`
	}
	Downloads struct {
		Dir string `yaml:"dir"`
	}
	Storage struct {
		DSN string `yaml:"dsn"`
	}
	AWS struct {
		Region             string `yaml:"region"`
		CredentialsFile    string `yaml:"credentialsFile"`
		CredentialsProfile string `yaml:"credentialsProfile"`
	}
	Notify struct {
		Queue struct {
			Name    string `yaml:"name"`
			URL     string `yaml:"url"`
			Retries int    `yaml:"retries"`
		}
	}
	Metrics struct {
		Addr string `yaml:"addr"`
	}
	Worker struct {
		LogLevel string `yaml:"loglevel"`
	}
	Scheduler struct {
		Schedule   string `yaml:"schedule"`
		RunOnStart bool   `yaml:"runOnStart"`
		LogLevel   string `yaml:"loglevel"`
	}
	Supervisor struct {
		Interval        Duration `yaml:"interval"`
		StaleTimeout    Duration `yaml:"staleTimeout"`
		Expiration      Duration `yaml:"expiration"`
		RepairBatchSize int      `yaml:"repairBatchSize"`
		LogLevel        string   `yaml:"loglevel"`
	}
	Jobs    map[string]catalog.Job `yaml:"jobs"`
	Modules catalog.Switches       `yaml:"modules"`
}

// Read loads the file named by CFG_PATH.
func Read() (*AppConfig, error) {
	filename := os.Getenv("CFG_PATH")
	if filename == "" {
		return nil, errors.New("CFG_PATH is not set")
	}
	return ReadFile(filename)
}

// ReadFile ...
func ReadFile(filename string) (*AppConfig, error) {
	buff, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(buff)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(buff []byte) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := yaml.Unmarshal(buff, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AppConfig) setDefaults() {
	if cfg.Vendor.ProcessingCode == 0 {
		cfg.Vendor.ProcessingCode = defaultProcessingCode
	}
	if cfg.Vendor.DoneState == 0 {
		cfg.Vendor.DoneState = defaultDoneState
	}
	if len(cfg.Vendor.KnownStates) == 0 {
		cfg.Vendor.KnownStates = []int{0, cfg.Vendor.DoneState}
	}
	if cfg.Transport.Timeout <= 0 {
		cfg.Transport.Timeout = Duration(defaultTimeout)
	}
	if cfg.Transport.Retries < 1 {
		cfg.Transport.Retries = defaultRetries
	}
	if cfg.Transport.RetryDelay <= 0 {
		cfg.Transport.RetryDelay = Duration(defaultRetryDelay)
	}
	if cfg.Transport.RateLimit <= 0 {
		cfg.Transport.RateLimit = defaultRateLimit
	}
	if cfg.Transport.RateBurst < 1 {
		cfg.Transport.RateBurst = defaultRateBurst
	}
	if cfg.Export.PollInterval <= 0 {
		cfg.Export.PollInterval = Duration(defaultPollInterval)
	}
	if cfg.Export.Settle < 0 {
		cfg.Export.Settle = 0
	} else if cfg.Export.Settle == 0 {
		cfg.Export.Settle = Duration(defaultSettle)
	}
	if cfg.Export.MaxWait <= 0 {
		cfg.Export.MaxWait = Duration(defaultMaxWait)
	}
	if cfg.Export.Tolerance <= 0 {
		cfg.Export.Tolerance = Duration(defaultTolerance)
	}
	if cfg.Export.PageSize < 1 {
		cfg.Export.PageSize = defaultPageSize
	}
	if cfg.Downloads.Dir == "" {
		cfg.Downloads.Dir = defaultDownloadsDir
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = defaultMetricsAddr
	}
	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = defaultSchedule
	}
	if cfg.Supervisor.Interval <= 0 {
		cfg.Supervisor.Interval = Duration(defaultSuperInterval)
	}
	if cfg.Supervisor.StaleTimeout <= 0 {
		cfg.Supervisor.StaleTimeout = Duration(defaultStaleTimeout)
	}
	if cfg.Supervisor.Expiration <= 0 {
		cfg.Supervisor.Expiration = Duration(defaultExpiration)
	}
	if cfg.Supervisor.RepairBatchSize < 1 {
		cfg.Supervisor.RepairBatchSize = defaultRepairBatch
	}
}

func (cfg *AppConfig) validate() error {
	if cfg.Vendor.HistoryURL == "" {
		return errors.New("vendor.historyURL is required")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	if cfg.Transport.ErrorChance < 0 || cfg.Transport.ErrorChance > 1 {
		return fmt.Errorf("invalid transport.errorChance: %v (must be within [0, 1])", cfg.Transport.ErrorChance)
	}
	for name, job := range cfg.Jobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}
	for i, sw := range cfg.Modules {
		job, ok := cfg.Jobs[sw.Name]
		if !ok {
			return fmt.Errorf("module switch %q has no job definition", sw.Name)
		}
		sw.Setting = sw.Setting.Resolve(job.Templates)
		cfg.Modules[i] = sw
		for _, tpl := range sw.Setting.Templates {
			if _, ok := job.Templates[tpl]; !ok {
				return fmt.Errorf("module switch %q references unknown template %q", sw.Name, tpl)
			}
		}
	}
	return nil
}

// Location is the vendor's local time zone, used to read task create_time.
func (cfg *AppConfig) Location() (*time.Location, error) {
	if cfg.Vendor.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.Vendor.Timezone)
	if err != nil {
		return nil, fmt.Errorf("vendor.timezone: %w", err)
	}
	return loc, nil
}

// LogLevel returns the configured level of the named service.
func (cfg *AppConfig) LogLevel(service string) string {
	switch service {
	case "scheduler":
		return cfg.Scheduler.LogLevel
	case "supervisor":
		return cfg.Supervisor.LogLevel
	default:
		return cfg.Worker.LogLevel
	}
}
