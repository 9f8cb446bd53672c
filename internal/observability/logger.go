package observability

import (
	"io"
	"os"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the process-wide console logger tagged with app.
func InitLogger(app string) zerolog.Logger {
	return initLogger(os.Stdout, app)
}

func initLogger(out io.Writer, app string) zerolog.Logger {
	profile := logging.Active()
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    profile.NoColor,
	}
	ctx := zerolog.New(output).With().Str("app", app)
	if profile.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
