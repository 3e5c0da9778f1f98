package poll

import "time"

const DefaultRefreshPeriod = time.Minute

type config struct {
	refresh time.Duration
	exec    Executor
	clock   func() time.Time
}

type Option interface {
	Apply(*config)
}

type optionFunc func(*config)

func (fn optionFunc) Apply(c *config) { fn(c) }

// WithRefreshPeriod sets how long an update stays fresh for UpdateIfNecessary.
func WithRefreshPeriod(d time.Duration) Option {
	return optionFunc(func(c *config) { c.refresh = d })
}

// WithExecutor sets where fetch completions run. The default is Inline.
func WithExecutor(e Executor) Option {
	return optionFunc(func(c *config) {
		if e != nil {
			c.exec = e
		}
	})
}

func WithClock(clock func() time.Time) Option {
	return optionFunc(func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	})
}
