package storage

type config struct {
	class     string
	version   string
	capacity  int
	trimSize  int
	transport any
}

const (
	DefaultCapacity = 500
	DefaultTrimSize = 30
	DefaultVersion  = "0"
)

type Option interface {
	Apply(*config)
}

type optionFunc func(*config)

func (fn optionFunc) Apply(c *config) { fn(c) }

// WithClass sets the namespace and schema version used for persistence.
func WithClass(class, version string) Option {
	return optionFunc(func(c *config) {
		c.class = class
		c.version = version
	})
}

// WithCapacity sets the soft size limit reported by MaxSize.
func WithCapacity(n int) Option {
	return optionFunc(func(c *config) { c.capacity = n })
}

// WithTrimSize sets the trim size new lists start with.
func WithTrimSize(n int) Option {
	return optionFunc(func(c *config) { c.trimSize = n })
}

// WithTransport sets the persistence layer for lists. The transport must be
// a TransportLayer for the storage item type.
func WithTransport(t any) Option {
	return optionFunc(func(c *config) { c.transport = t })
}
