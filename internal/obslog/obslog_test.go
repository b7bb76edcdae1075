package obslog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_JSONFormatter(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, true, logrus.InfoLevel)
	logger.WithFields(WorkerFields(3)).Info("discovering batch")

	out := buf.String()
	if !strings.Contains(out, `"shard_id":3`) {
		t.Errorf("expected shard_id field in JSON output, got: %s", out)
	}
}

func TestRedactHook_ScrubsSensitiveFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, true, logrus.InfoLevel)
	logger.WithField("token", "s3cr3t").Info("authenticated")

	if strings.Contains(buf.String(), "s3cr3t") {
		t.Error("expected token value to be redacted")
	}
	if !strings.Contains(buf.String(), "[redacted]") {
		t.Error("expected redaction placeholder in output")
	}
}

func TestNew_TextFormatter(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, false, logrus.InfoLevel)
	logger.Info("hello")

	if strings.Contains(buf.String(), "{") {
		t.Error("text formatter output should not look like JSON")
	}
}
