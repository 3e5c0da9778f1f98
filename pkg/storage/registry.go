package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/locker"
	"github.com/sour-is/potato/pkg/storage/driver"
)

type registry struct {
	drivers map[string]driver.Driver
}

var (
	drivers = locker.New(&registry{drivers: make(map[string]driver.Driver)})
)

// Register makes a driver available to Open under the dsn scheme name.
func Register(ctx context.Context, name string, d driver.Driver) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return drivers.Modify(ctx, func(ctx context.Context, c *registry) error {
		if _, set := c.drivers[name]; set {
			return fmt.Errorf("driver %s already set", name)
		}
		c.drivers[name] = d
		return nil
	})
}

// Open connects the driver registered for the scheme of dsn.
func Open(ctx context.Context, dsn string) (driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	name, _, ok := strings.Cut(dsn, ":")
	if !ok {
		err := fmt.Errorf("%w: no scheme", ErrNoDriver)
		span.RecordError(err)
		return nil, err
	}

	var d driver.Driver
	err := drivers.Modify(ctx, func(ctx context.Context, c *registry) error {
		var ok bool
		if d, ok = c.drivers[name]; !ok {
			return fmt.Errorf("%w: %s not registered", ErrNoDriver, name)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	conn, err := d.Open(ctx, dsn)
	span.RecordError(err)
	return conn, err
}
