package audiosystem

import "github.com/pulsetap/pulsetap/internal/logger"

// GetLogger returns the audiosystem module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("audiosystem")
}
