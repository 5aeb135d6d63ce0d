package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"qb-autoseed/internal/engine"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Monitor struct {
		RefreshMinutes int           `mapstructure:"refresh_minutes"`
		SettlePause    time.Duration `mapstructure:"settle_pause"`
		ErrorCooldown  time.Duration `mapstructure:"error_cooldown"`
		DryRun         bool          `mapstructure:"dry_run"`
	}
	Storage struct {
		Path          string
		SavePath      string `mapstructure:"save_path"`
		TotalLimit    string `mapstructure:"total_limit"`
		AutoLimit     string `mapstructure:"auto_limit"`
		FreeThreshold string `mapstructure:"free_threshold"`
	}
	Policy struct {
		Retention     string
		Admission     string
		MinSeedTime   time.Duration `mapstructure:"min_seed_time"`
		MinRatio      float64       `mapstructure:"min_ratio"`
		ActivityGrace time.Duration `mapstructure:"activity_grace"`
		RecencyWindow time.Duration `mapstructure:"recency_window"`
	}
	Delay struct {
		StartRatio float64       `mapstructure:"start_ratio"`
		Multiplier time.Duration `mapstructure:"multiplier"`
	}
	Feed struct {
		Path        string
		LoadingWait time.Duration `mapstructure:"loading_wait"`
		ErrorWait   time.Duration `mapstructure:"error_wait"`
		RefreshWait time.Duration `mapstructure:"refresh_wait"`
	}
	QBittorrent struct {
		Host     string
		Port     int
		Username string
		Password string
		Label    string
		Timeout  time.Duration
	}
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Log struct {
		Level string
		Dir   string
	}
	Archive struct {
		Bucket    string
		KeyPrefix string `mapstructure:"key_prefix"`
		Region    string
		Endpoint  string
		Profile   string
		Interval  time.Duration
	}
}

// Limits are the byte quantities of Config.Storage, parsed. Zero limits are unbounded.
type Limits struct {
	TotalLimit    int64
	AutoLimit     int64
	FreeThreshold int64
}

// Load reads configuration from environment variables, an optional .env file and an
// optional config file in the working directory.
func Load() (Config, error) {
	_ = godotenv.Load() // optional file, never overrides the environment

	v := viper.New()
	v.SetEnvPrefix("AUTOSEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindLegacyEnv(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Feed.Path == "" {
		cfg.Feed.Path = cfg.QBittorrent.Label
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("monitor.refresh_minutes", 5)
	v.SetDefault("monitor.settle_pause", 10*time.Second)
	v.SetDefault("monitor.error_cooldown", 300*time.Second)
	v.SetDefault("monitor.dry_run", false)

	v.SetDefault("storage.path", "/")
	v.SetDefault("storage.save_path", "/downloads/")
	v.SetDefault("storage.total_limit", "")
	v.SetDefault("storage.auto_limit", "")
	v.SetDefault("storage.free_threshold", "1GiB")

	v.SetDefault("policy.retention", engine.RetentionFastFlow)
	v.SetDefault("policy.admission", engine.AdmissionNearestOne)
	v.SetDefault("policy.min_seed_time", 21*time.Hour)
	v.SetDefault("policy.min_ratio", 1.1)
	v.SetDefault("policy.activity_grace", time.Hour)
	v.SetDefault("policy.recency_window", 6*time.Minute)

	v.SetDefault("delay.start_ratio", 0.15)
	v.SetDefault("delay.multiplier", 600*time.Minute)

	v.SetDefault("feed.path", "")
	v.SetDefault("feed.loading_wait", 5*time.Second)
	v.SetDefault("feed.error_wait", 300*time.Second)
	v.SetDefault("feed.refresh_wait", time.Second)

	v.SetDefault("qbittorrent.host", "localhost")
	v.SetDefault("qbittorrent.port", 8080)
	v.SetDefault("qbittorrent.username", "admin")
	v.SetDefault("qbittorrent.password", "adminadmin")
	v.SetDefault("qbittorrent.label", "auto")
	v.SetDefault("qbittorrent.timeout", 30*time.Second)

	v.SetDefault("server.addr", "")
	v.SetDefault("database.path", "") // journal off unless a path is set
	v.SetDefault("log.level", "debug")
	v.SetDefault("log.dir", "logs")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.key_prefix", "autoseed-logs")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.interval", time.Hour)
}

// bindLegacyEnv keeps the PYAUTO_* variables of older deployments working.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("qbittorrent.host", "AUTOSEED_QBITTORRENT_HOST", "PYAUTO_HOST")
	_ = v.BindEnv("qbittorrent.port", "AUTOSEED_QBITTORRENT_PORT", "PYAUTO_PORT")
	_ = v.BindEnv("qbittorrent.username", "AUTOSEED_QBITTORRENT_USERNAME", "PYAUTO_UN")
	_ = v.BindEnv("qbittorrent.password", "AUTOSEED_QBITTORRENT_PASSWORD", "PYAUTO_P")
}

// RefreshInterval is the configured cycle length.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Monitor.RefreshMinutes) * time.Minute
}

// Limits parses the storage quantities.
func (c Config) Limits() (Limits, error) {
	var (
		l   Limits
		err error
	)
	if l.TotalLimit, err = parseBytes("storage.total_limit", c.Storage.TotalLimit); err != nil {
		return Limits{}, err
	}
	if l.AutoLimit, err = parseBytes("storage.auto_limit", c.Storage.AutoLimit); err != nil {
		return Limits{}, err
	}
	if l.FreeThreshold, err = parseBytes("storage.free_threshold", c.Storage.FreeThreshold); err != nil {
		return Limits{}, err
	}
	return l, nil
}

// parseBytes accepts a plain byte count or a humanized quantity such as "200GiB".
// An empty value is 0.
func parseBytes(key, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s: %q is too large", key, s)
	}
	return int64(n), nil
}

// Validate rejects settings the monitor cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Monitor.RefreshMinutes <= 0 {
		errs = append(errs, errors.New("monitor.refresh_minutes must be positive"))
	}
	if c.Monitor.SettlePause < 0 {
		errs = append(errs, errors.New("monitor.settle_pause must not be negative"))
	}
	if c.Monitor.ErrorCooldown <= 0 {
		errs = append(errs, errors.New("monitor.error_cooldown must be positive"))
	}
	if c.Feed.LoadingWait <= 0 || c.Feed.ErrorWait <= 0 {
		errs = append(errs, errors.New("feed.loading_wait and feed.error_wait must be positive"))
	}
	if c.Feed.RefreshWait < 0 {
		errs = append(errs, errors.New("feed.refresh_wait must not be negative"))
	}
	if strings.TrimSpace(c.QBittorrent.Label) == "" {
		errs = append(errs, errors.New("qbittorrent.label is required"))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Delay.StartRatio < 0 || c.Delay.StartRatio > 1 {
		errs = append(errs, errors.New("delay.start_ratio must be within [0, 1]"))
	}
	if c.Delay.Multiplier < 0 {
		errs = append(errs, errors.New("delay.multiplier must not be negative"))
	}
	if _, err := engine.NewRetentionPolicy(c.Policy.Retention, engine.RetentionOptions{}, nil); err != nil {
		errs = append(errs, err)
	}
	if _, err := engine.NewAdmissionPolicy(c.Policy.Admission, engine.AdmissionOptions{}, nil); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Limits(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
