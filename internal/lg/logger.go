package lg

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-logr/stdr"
	"github.com/logzio/logzio-go"
	"go.opentelemetry.io/otel"
)

// logzLine is one log line as shipped to logz.io.
type logzLine struct {
	Message   string `json:"message"`
	Host      string `json:"host"`
	GoVersion string `json:"go_version"`
	Package   string `json:"pkg"`
	App       string `json:"app"`
}

// logzWriter ships each line of the standard logger as JSON. Blank lines and
// lines starting with # stay local.
type logzWriter struct {
	info buildInfo
	w    io.Writer
}

func (l *logzWriter) Write(b []byte) (int, error) {
	for _, sp := range bytes.Split(b, []byte("\n")) {
		msg := logzLine{
			Message:   strings.TrimSpace(string(sp)),
			Host:      l.info.host,
			GoVersion: l.info.goversion,
			Package:   l.info.pkg,
			App:       l.info.app,
		}
		if msg.Message == "" || strings.HasPrefix(msg.Message, "#") {
			continue
		}

		line, err := json.Marshal(msg)
		if err != nil {
			return 0, err
		}
		if _, err := l.w.Write(line); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

func initLogger(name string) func() error {
	log.SetPrefix("[" + name + "] ")
	log.SetFlags(log.LstdFlags&^(log.Ldate|log.Ltime) | log.Lshortfile)
	otel.SetLogger(stdr.New(log.Default()))

	token := envSecret("LOGZIO_LOG_TOKEN", "")
	if token == "" {
		return nil
	}

	l, err := logzio.New(
		token.Secret(),
		logzio.SetUrl(env("LOGZIO_LOG_URL", "https://listener.logz.io:8071")),
		logzio.SetDrainDuration(time.Second*5),
		logzio.SetTempDirectory(env("LOGZIO_DIR", os.TempDir())),
		logzio.SetCheckDiskSpace(true),
		logzio.SetDrainDiskThreshold(70),
	)
	if err != nil {
		log.Println("logzio disabled: ", err)
		return nil
	}

	log.SetOutput(io.MultiWriter(os.Stderr, &logzWriter{info: readBuildInfo(name), w: l}))

	return func() error {
		defer log.Println("logger stopped")
		log.SetOutput(os.Stderr)
		l.Stop()
		return nil
	}
}
