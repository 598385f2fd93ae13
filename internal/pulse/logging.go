package pulse

import "github.com/pulsetap/pulsetap/internal/logger"

// GetLogger returns the pulse logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("pulse")
}
