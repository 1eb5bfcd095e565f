// Package config loads orchestrator settings from config.yaml, .env and COUPONS_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"coupon-orchestrator/pkg/database"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "COUPONS"

type CouponSettings struct {
	// Active types are refilled in priority order.
	Active           []string `mapstructure:"active"`
	DefaultType      string   `mapstructure:"default_type"`
	MinStock         int      `mapstructure:"min_stock"`
	RevalidateChance float64  `mapstructure:"revalidate_chance"`
}

type ManagerSettings struct {
	// Primary allows this instance to resync the proxy pool.
	Primary   bool          `mapstructure:"primary"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	JitterMin time.Duration `mapstructure:"jitter_min"`
	JitterMax time.Duration `mapstructure:"jitter_max"`
	Poll      time.Duration `mapstructure:"poll"`
}

type ProxySettings struct {
	Source     string        `mapstructure:"source"`
	Snapshot   string        `mapstructure:"snapshot"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type WorkerSettings struct {
	Command []string `mapstructure:"command"`
	Chrome  string   `mapstructure:"chrome"`
	LogDir  string   `mapstructure:"log_dir"`
}

type ServerSettings struct {
	Listen string `mapstructure:"listen"`
	// PublicURL is where workers reach the API.
	PublicURL string `mapstructure:"public_url"`
}

type CheckerSettings struct {
	Transport string        `mapstructure:"transport"`
	URL       string        `mapstructure:"url"`
	Workers   int           `mapstructure:"workers"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type IPInfoSettings struct {
	Token string `mapstructure:"token"`
}

type LogSettings struct {
	File string `mapstructure:"file"`
}

type Settings struct {
	Coupons  CouponSettings  `mapstructure:"coupons"`
	Manager  ManagerSettings `mapstructure:"manager"`
	Proxies  ProxySettings   `mapstructure:"proxies"`
	Database database.Config `mapstructure:"database"`
	Worker   WorkerSettings  `mapstructure:"worker"`
	Server   ServerSettings  `mapstructure:"server"`
	Checker  CheckerSettings `mapstructure:"checker"`
	IPInfo   IPInfoSettings  `mapstructure:"ipinfo"`
	Log      LogSettings     `mapstructure:"log"`
}

// SetDefaults registers every key, which also makes each one overridable from the
// environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("coupons.active", []string{"TWENTY_OFF_HUNDRED"})
	v.SetDefault("coupons.default_type", "TEN_OFF")
	v.SetDefault("coupons.min_stock", 30)
	v.SetDefault("coupons.revalidate_chance", 0.2)

	v.SetDefault("manager.primary", false)
	v.SetDefault("manager.interval", 10*time.Minute)
	v.SetDefault("manager.timeout", 30*time.Minute)
	v.SetDefault("manager.jitter_min", 10*time.Second)
	v.SetDefault("manager.jitter_max", 30*time.Second)
	v.SetDefault("manager.poll", time.Second)

	v.SetDefault("proxies.source", "proxies.txt")
	v.SetDefault("proxies.snapshot", "proxies.json")
	v.SetDefault("proxies.retry_delay", 5*time.Second)

	v.SetDefault("database.driver", database.DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "coupons")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "coupons.db")

	v.SetDefault("worker.command", []string{"node", "index.js"})
	v.SetDefault("worker.chrome", "")
	v.SetDefault("worker.log_dir", "LOGS")

	v.SetDefault("server.listen", ":8000")
	v.SetDefault("server.public_url", "http://127.0.0.1:8000")

	v.SetDefault("checker.transport", "")
	v.SetDefault("checker.url", "http://example.com/")
	v.SetDefault("checker.workers", 4)
	v.SetDefault("checker.timeout", 10*time.Second)

	v.SetDefault("ipinfo.token", "")
	v.SetDefault("log.file", "")
}

// Init wires the config sources into v: an optional .env file, COUPONS_* variables,
// and configFile or the first config.yaml found on the search path. A missing config
// file is not an error.
func Init(v *viper.Viper, configFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error loading .env: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coupon-orchestrator")
		v.AddConfigPath("/etc/coupon-orchestrator/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// Load applies defaults, decodes v and validates the result.
func Load(v *viper.Viper) (Settings, error) {
	SetDefaults(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("error decoding config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	var errs []error

	if s.Coupons.DefaultType == "" {
		errs = append(errs, errors.New("coupons.default_type is required"))
	}
	if s.Coupons.MinStock < 0 {
		errs = append(errs, errors.New("coupons.min_stock must not be negative"))
	}
	if s.Coupons.RevalidateChance < 0 || s.Coupons.RevalidateChance > 1 {
		errs = append(errs, errors.New("coupons.revalidate_chance must be within [0, 1]"))
	}
	if s.Manager.Interval <= 0 || s.Manager.Timeout <= 0 || s.Manager.Poll <= 0 {
		errs = append(errs, errors.New("manager.interval, manager.timeout and manager.poll must be positive"))
	}
	if s.Manager.JitterMin < 0 || s.Manager.JitterMax < s.Manager.JitterMin {
		errs = append(errs, errors.New("manager jitter must satisfy 0 <= jitter_min <= jitter_max"))
	}
	switch s.Database.Driver {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", s.Database.Driver))
	}
	if len(s.Worker.Command) == 0 {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if s.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if _, err := s.Server.WorkerPort(); err != nil {
		errs = append(errs, err)
	}
	if s.Checker.Workers <= 0 {
		errs = append(errs, errors.New("checker.workers must be positive"))
	}

	return errors.Join(errs...)
}

// WorkerPort is the API port handed to workers, taken from PublicURL or else Listen.
func (s ServerSettings) WorkerPort() (int, error) {
	var port string
	if s.PublicURL != "" {
		u, err := url.Parse(s.PublicURL)
		if err != nil {
			return 0, fmt.Errorf("invalid server.public_url: %w", err)
		}
		port = u.Port()
		if port == "" {
			port = map[string]string{"http": "80", "https": "443"}[u.Scheme]
		}
	} else {
		var err error
		if _, port, err = net.SplitHostPort(s.Listen); err != nil {
			return 0, fmt.Errorf("invalid server.listen: %w", err)
		}
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("no valid port in server settings: %q", port)
	}
	return n, nil
}
