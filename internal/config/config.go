// package config holds the settings of the potato daemon.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	DSN      string        `env:"POTATO_DATA"       envDefault:"mem:"`
	HTTP     string        `env:"POTATO_HTTP"       envDefault:":8080"`
	Feed     string        `env:"POTATO_FEED"`
	List     string        `env:"POTATO_LIST"       envDefault:"feed"`
	Version  string        `env:"POTATO_VERSION"    envDefault:"1"`
	Codec    string        `env:"POTATO_CODEC"      envDefault:"json"`
	Capacity int           `env:"POTATO_CAPACITY"   envDefault:"500"`
	TrimSize int           `env:"POTATO_TRIM_SIZE"  envDefault:"30"`
	Limit    int           `env:"POTATO_PAGE_LIMIT" envDefault:"30"`
	Refresh  time.Duration `env:"POTATO_REFRESH"    envDefault:"5m"`
}

// Load reads Config from the environment and validates it.
func Load() (Config, error) {
	var c Config
	if err := ParseEnv(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs error
	if c.Codec != "json" && c.Codec != "msgpack" {
		errs = multierr.Append(errs, fmt.Errorf("%w: codec %q", ErrInvalid, c.Codec))
	}
	if c.Capacity < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%w: capacity %d", ErrInvalid, c.Capacity))
	}
	if c.Limit < 1 {
		errs = multierr.Append(errs, fmt.Errorf("%w: page limit %d", ErrInvalid, c.Limit))
	}
	if c.Refresh <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: refresh %s", ErrInvalid, c.Refresh))
	}
	return errs
}
