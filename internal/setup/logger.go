package setup

import "log/slog"

var logger = slog.Default()

// SetLogger routes setup output through l. Passing nil restores the process
// default, which is also what the package starts with.
func SetLogger(l *slog.Logger) {
	if l == nil {
		logger = slog.Default()
		return
	}
	logger = l
}
