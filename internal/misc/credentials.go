package misc

import (
	log "github.com/sirupsen/logrus"
)

// MaskKey shortens a secret for log output, keeping enough of both ends to be
// recognizable: "sk-9...0RHO". Secrets shorter than eight characters are
// masked entirely.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// LogSavingCredentials emits a single audit line whenever a credential file is
// written to disk.
func LogSavingCredentials(path string) {
	log.Debugf("saving credentials to %s", path)
}
