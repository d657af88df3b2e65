package utilclient

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.dedis.ch/onet/v3/cfgpath"
	onetLog "go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// DefaultTimeoutSeconds is the backend call timeout when none is configured.
const DefaultTimeoutSeconds = 30

// DefaultLogLevel assumes the cothority convention: TRACE(5), DEBUG(4),
// INFO(3), WARNING(2), ERROR(1), FATAL(0)
const DefaultLogLevel = 3

// Config is the configuration of the medsafe client.
type Config struct {
	// BackendURL is the root of the medical-records backend
	BackendURL string `toml:"backend_url"`
	// AuthURL is where the user logs in again when the session expired
	AuthURL string `toml:"auth_url"`
	Token   string `toml:"token"`
	// BcConfig is the byzcoin config file written by bcadmin
	BcConfig string `toml:"bc"`
	// Key is the darc identity of the signer, its private key is in the
	// bcadmin config directory
	Key      string `toml:"key"`
	Instance string `toml:"instance"`
	// Journal is the path of the attempt database, empty disables it
	Journal        string `toml:"journal"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	LogLevel       int    `toml:"log_level"`
}

var envVars = map[string]func(c *Config, v string) error{
	"MEDSAFE_BACKEND_URL": func(c *Config, v string) error { c.BackendURL = v; return nil },
	"MEDSAFE_AUTH_URL":    func(c *Config, v string) error { c.AuthURL = v; return nil },
	"MEDSAFE_TOKEN":       func(c *Config, v string) error { c.Token = v; return nil },
	"MEDSAFE_BC":          func(c *Config, v string) error { c.BcConfig = v; return nil },
	"MEDSAFE_KEY":         func(c *Config, v string) error { c.Key = v; return nil },
	"MEDSAFE_INSTANCE":    func(c *Config, v string) error { c.Instance = v; return nil },
	"MEDSAFE_JOURNAL":     func(c *Config, v string) error { c.Journal = v; return nil },
	"MEDSAFE_TIMEOUT_SECONDS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return xerrors.Errorf("invalid timeout %q", v)
		}
		c.TimeoutSeconds = n
		return nil
	},
	"MEDSAFE_LOG_LEVEL": func(c *Config, v string) error {
		n, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = n
		return nil
	},
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Journal:        filepath.Join(cfgpath.GetDataPath("medsafe"), "attempts.db"),
		TimeoutSeconds: DefaultTimeoutSeconds,
		LogLevel:       DefaultLogLevel,
	}
}

// DefaultConfigPath is the configuration file read when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(cfgpath.GetDataPath("medsafe"), "medsafe.toml")
}

// LoadConfig reads the file at path on top of the defaults, then applies the
// MEDSAFE_* variables of the environment and of envFile, the environment
// winning. Missing files are not an error.
func LoadConfig(path, envFile string) (*Config, error) {
	lookup := os.LookupEnv
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, xerrors.Errorf("reading env file %s: %w", envFile, err)
		}
		lookup = func(name string) (string, bool) {
			if v, ok := os.LookupEnv(name); ok {
				return v, true
			}
			v, ok := vars[name]
			return v, ok
		}
	}
	return loadConfig(path, lookup)
}

func loadConfig(path string, lookup func(string) (string, bool)) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		_, err := toml.DecodeFile(path, c)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, xerrors.Errorf("reading config %s: %w", path, err)
			}
			logrus.WithField("path", path).Debug("no config file, using defaults")
		}
	}
	for name, set := range envVars {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			return nil, xerrors.Errorf("%s: %w", name, err)
		}
	}
	return c, nil
}

// Save writes c to path, creating its directory.
func (c *Config) Save(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return xerrors.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return xerrors.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	err = toml.NewEncoder(f).Encode(c)
	if err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	return nil
}

// Timeout is the backend call timeout.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SetLogLevel initializes the log levels of all loggers
func SetLogLevel(lvl int) {
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors: true,
	})
	if lvl < 0 || lvl > 5 {
		logrus.Warn("invalid log level, defaulted")
		lvl = DefaultLogLevel
	}
	logrus.SetLevel(logrus.Level(lvl + 1))
	onetLog.SetDebugVisible(lvl)
}

func parseLogLevel(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 5 {
		return 0, xerrors.Errorf("invalid log level %q", v)
	}
	return n, nil
}
