package must

import (
	"io"
	"os"

	"github.com/blit-sync/blit/pkg/logging"
)

// Close closes a closer, logging a warning if it fails. It exists to avoid
// unchecked errors in defer statements where there's no sensible recovery
// action.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Unable to close: %s", err.Error())
	}
}

// OSRemove removes a file, logging a warning if it fails.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil {
		logger.Warnf("Unable to remove '%s': %s", name, err.Error())
	}
}
