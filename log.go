package interceptor

import "github.com/sirupsen/logrus"

// Log is the package-level logger. Embedding applications can redirect it
// with SetLogger; by default it writes through logrus's standard logger.
var Log = logrus.StandardLogger()

// SetLogger replaces the package-level logger. Typically called once at
// process startup before any target is attached.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		return
	}
	Log = l
}
