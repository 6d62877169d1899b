package liblock

import (
	"time"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
)

// Options configures a [Manager].
type Options struct {
	// Store is where locks are persisted. It is required.
	Store datastore.Store
	// TTL is how long a lock without an expiry handler lives after it was last
	// acquired or refreshed.
	//
	// If zero, [pessimism.DefaultTTL] is used.
	TTL time.Duration
	// Now reports the current time. Lock timestamps and expiry decisions use
	// it.
	//
	// If nil, [time.Now] is used.
	Now func() time.Time
}

func (o *Options) parse() error {
	const op = `liblock/Options.parse`
	if o.Store == nil {
		return &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrInvalid,
			Message: "no Store provided",
		}
	}
	switch {
	case o.TTL == 0:
		o.TTL = pessimism.DefaultTTL
	case o.TTL < 0:
		return &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrInvalid,
			Message: "negative TTL: " + o.TTL.String(),
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}
