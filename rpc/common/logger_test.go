package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
)

// captureLogs redirects all loggers into a buffer for the duration of the test
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogOutput(&buf)
	t.Cleanup(func() { SetLogOutput(os.Stdout) })
	return &buf
}

func TestLogger(t *testing.T) {
	t.Run("FormatAndLevel", func(t *testing.T) {
		buf := captureLogs(t)
		l := CreateLogger("server")

		l.Infof("listening on %s", "127.0.0.1:6969")
		l.Debugf("hidden")

		out := buf.String()
		if !strings.Contains(out, "INFO  | server          | listening on 127.0.0.1:6969") {
			t.Errorf("Unexpected log line: %q", out)
		}
		if strings.Contains(out, "hidden") {
			t.Errorf("Debug message must not be written at info level")
		}

		l.SetLevel(logger.DEBUG)
		l.Debugf("visible")
		if !strings.Contains(buf.String(), "DEBUG | server          | visible") {
			t.Errorf("Debug message must be written at debug level: %q", buf.String())
		}
	})

	t.Run("RedirectReachesExistingLoggers", func(t *testing.T) {
		l := CreateLogger("registry")
		buf := captureLogs(t)

		l.Warningf("database %q destroyed", "orders")
		if !strings.Contains(buf.String(), `WARN  | registry        | database "orders" destroyed`) {
			t.Errorf("Expected the line in the new output, got %q", buf.String())
		}
	})

	t.Run("ConnLoggerTagsLines", func(t *testing.T) {
		buf := captureLogs(t)
		l := ConnLogger(CreateLogger("transport"), "01HCONN")

		l.Errorf("failed to write response: %v", "broken pipe")
		l.Infof("closed after %s", "EXIT")

		out := buf.String()
		if !strings.Contains(out, "| [01HCONN] failed to write response: broken pipe") {
			t.Errorf("Expected the connection id as prefix, got %q", out)
		}
		if strings.Count(out, "[01HCONN]") != 2 {
			t.Errorf("Expected every line to be tagged, got %q", out)
		}
	})

	t.Run("LogFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "phoenix.log")
		f, err := openLogFile(path)
		if err != nil {
			t.Fatalf("openLogFile failed: %v", err)
		}
		defer f.Close()
		SetLogOutput(f)
		t.Cleanup(func() { SetLogOutput(os.Stdout) })

		CreateLogger("server").Infof("written to file")

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if !strings.Contains(string(data), "written to file") {
			t.Errorf("Expected the message in the log file, got %q", data)
		}

		if _, err := openLogFile(filepath.Join(t.TempDir(), "missing", "phoenix.log")); err == nil {
			t.Error("Expected an error for a missing directory")
		}
	})
}
