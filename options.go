package pessimism

// AcquireOption modifies how an acquisition treats existing locks.
type AcquireOption interface {
	acquireConfig(AcquireConfig) AcquireConfig
}

// AcquireConfig is the resolved set of [AcquireOption] values.
//
// Implementations of the lock manager call [NewAcquireConfig]; callers use the
// option values.
type AcquireConfig struct {
	// ForceNew fails the acquisition when any lock exists, whoever holds it.
	ForceNew bool
	// OnlyOnce fails the acquisition when any lock exists, even one held by
	// the same holder. Unlike ForceNew it names the one-time lock semantics.
	OnlyOnce bool
	// ExpiryHandler is recorded on every acquired lock.
	ExpiryHandler string
}

// NewAcquireConfig folds the options, in order, into an AcquireConfig.
func NewAcquireConfig(opts ...AcquireOption) AcquireConfig {
	var cfg AcquireConfig
	for _, o := range opts {
		if o == nil {
			continue
		}
		cfg = o.acquireConfig(cfg)
	}
	return cfg
}

// Refuses reports whether an existing lock held by "existing" prevents
// "holder" from acquiring.
func (c AcquireConfig) Refuses(existing, holder string) bool {
	return c.ForceNew || c.OnlyOnce || existing != holder
}

// ForceNew requires that no lock exist for any target, regardless of holder.
var ForceNew = forceNew{}

type forceNew struct{}

func (forceNew) acquireConfig(c AcquireConfig) AcquireConfig {
	c.ForceNew = true
	return c
}

// OnlyOnce requires that no lock exist for any target, including one held by
// the acquiring holder.
var OnlyOnce = onlyOnce{}

type onlyOnce struct{}

func (onlyOnce) acquireConfig(c AcquireConfig) AcquireConfig {
	c.OnlyOnce = true
	return c
}

// WithExpiryHandler tags acquired locks with an expiry handler. Locks with a
// handler are exempt from automatic expiry; the named handler is responsible
// for releasing them.
//
// The empty string clears a previously given handler.
func WithExpiryHandler(h string) AcquireOption {
	return expiryHandler(h)
}

type expiryHandler string

func (h expiryHandler) acquireConfig(c AcquireConfig) AcquireConfig {
	c.ExpiryHandler = string(h)
	return c
}

var (
	_ AcquireOption = forceNew{}
	_ AcquireOption = onlyOnce{}
	_ AcquireOption = expiryHandler("")
)
