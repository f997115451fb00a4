package logger

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// levelAliases maps spellings accepted in config files onto zerolog level names
var levelAliases = map[string]string{
	"warning": "warn",
	"off":     "disabled",
	"none":    "disabled",
}

// SetupWriter installs the global logger on w, normally stderr so that
// stdout stays free for pipes. format is "console" or "json".
func SetupWriter(w io.Writer, level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var out io.Writer = w
	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Caller().Logger()
}

// parseLevel falls back to info for empty or unknown names
func parseLevel(level string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if alias, ok := levelAliases[name]; ok {
		name = alias
	}
	if name == "" {
		return zerolog.InfoLevel
	}

	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Get returns a logger tagged with the given component name
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
