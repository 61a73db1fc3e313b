package interceptor

import (
	"time"

	"github.com/sirupsen/logrus"
)

// defaultUnignoreDelay is the deferred-unignore timer duration from spec
// §4.4 ("a single 5-second timer").
const defaultUnignoreDelay = 5 * time.Second

// Option configures an Interceptor at construction time. There is no
// persisted configuration and no CLI for this package (spec §6); Option is
// the library-idiomatic substitute for the flag/config surfaces the rest of
// the pack exposes through cobra/pflag-driven binaries.
type Option func(*Interceptor)

// WithLogger routes the log output of this Interceptor's DetachAll through
// l instead of the package-level Log. Messages from dispatch, disarm and
// transaction commits still go to the package-level Log.
func WithLogger(l *logrus.Logger) Option {
	return func(ic *Interceptor) {
		if l != nil {
			ic.log = l
		}
	}
}

// WithUnignoreDelay overrides the deferred-unignore timer duration. Mainly
// useful for tests that don't want to wait 5 real seconds for a drain.
func WithUnignoreDelay(d time.Duration) Option {
	return func(ic *Interceptor) {
		if d > 0 {
			ic.ignore.delay = d
		}
	}
}
