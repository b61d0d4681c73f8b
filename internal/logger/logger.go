package logger

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Init configures the global logger. Dev environments get human-readable
// output, everything else ships JSON.
func Init(env string) {
	log.SetOutput(os.Stdout)
	if env == "dev" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
}
