package testserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const (
	DefaultHost              = "localhost"
	DefaultPort              = 5000
	DefaultWorkers           = 10
	DefaultRoot              = "."
	DefaultReadHeaderTimeout = 10 * time.Second
)

// ExitCodeBoom is the reserved exit status of a crash requested via /fail/boom.
const ExitCodeBoom = 42

var ErrInvalidConfig = errors.New("testserver: invalid config")

// Config holds the listen address, worker ceiling and document root.
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Workers           int           `mapstructure:"workers"`
	Root              string        `mapstructure:"root"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Workers:           DefaultWorkers,
		Root:              DefaultRoot,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
}

// BindFlags registers the flags a supervisor passes on spawn (-h, -p) plus
// the worker ceiling and document root. Values already in c are the defaults.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVarP(&c.Host, "host", "h", c.Host, "hostname/IPv4 address on which to listen")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "TCP port on which to listen")
	fs.IntVarP(&c.Workers, "workers", "w", c.Workers, "max number of simultaneous requests")
	fs.StringVarP(&c.Root, "root", "r", c.Root, "document root folder")
	fs.DurationVar(&c.ReadHeaderTimeout, "read-header-timeout", c.ReadHeaderTimeout, "time allowed to read request headers (0 disables)")
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.Root == "" {
		return fmt.Errorf("%w: root is required", ErrInvalidConfig)
	}
	if c.ReadHeaderTimeout < 0 {
		return fmt.Errorf("%w: negative read_header_timeout", ErrInvalidConfig)
	}
	return nil
}

// Addr is the host:port pair to listen on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
