package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("hubclient")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("connected", "server", "ws://localhost:8000")

	out := buf.String()
	if strings.Contains(out, `msg="INFO connected`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=hubclient") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "server=ws://localhost:8000") {
		t.Fatalf("expected server field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("hubclient")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithMessageAttachesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := WithMessage(L("ingest"), "abc-123", "CAPTURE")
	logger.Info("handled")

	out := buf.String()
	if !strings.Contains(out, "msgId=abc-123") {
		t.Fatalf("expected msgId field, got: %s", out)
	}
	if !strings.Contains(out, "msgType=CAPTURE") {
		t.Fatalf("expected msgType field, got: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("broker").Info("room created", "roomId", "r1")

	out := buf.String()
	if !strings.Contains(out, `"component":"broker"`) {
		t.Fatalf("expected JSON component field, got: %s", out)
	}
	if !strings.Contains(out, `"roomId":"r1"`) {
		t.Fatalf("expected JSON roomId field, got: %s", out)
	}
}
