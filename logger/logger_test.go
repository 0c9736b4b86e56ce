package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("validator")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "validator" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("RISKFLOW_REGION", "eu-west-1")
	log := Logger()
	entry := log.WithEnv("RISKFLOW_REGION")
	if v, ok := entry.Entry.Data["RISKFLOW_REGION"]; !ok || v != "eu-west-1" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestLogMetricFields(t *testing.T) {
	log := Logger()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
	defer log.SetOutput(os.Stdout)

	log.LogMetric("aggregator", "windows_closed", 3, "counter", Fields{"partition": 1})

	out := buf.String()
	for _, want := range []string{`"metric":"windows_closed"`, `"value":3`, `"metric_type":"counter"`, `"component":"aggregator"`} {
		if !strings.Contains(out, want) {
			t.Errorf("metric log missing %s: %s", want, out)
		}
	}
}

func TestLogPerformanceEntryFields(t *testing.T) {
	log := Logger()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
	defer log.SetOutput(os.Stdout)

	LogPerformanceEntry(log.WithComponent("archive_writer"), "archive_writer", "flush_pair", 1500*time.Microsecond, Fields{"s3_key": "windows/a.parquet"})

	out := buf.String()
	for _, want := range []string{`"operation":"flush_pair"`, `"duration_ms":1.5`, `"component":"archive_writer"`, `"s3_key":"windows/a.parquet"`} {
		if !strings.Contains(out, want) {
			t.Errorf("performance log missing %s: %s", want, out)
		}
	}
}

func TestLogDataFlowEntryFields(t *testing.T) {
	log := Logger()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
	defer log.SetOutput(os.Stdout)

	LogDataFlowEntry(log.WithComponent("s3_batch_reader"), "incoming/positions.csv", "raw", 42, "position_csv")

	out := buf.String()
	for _, want := range []string{`"source":"incoming/positions.csv"`, `"destination":"raw"`, `"record_count":42`, `"data_type":"position_csv"`} {
		if !strings.Contains(out, want) {
			t.Errorf("data flow log missing %s: %s", want, out)
		}
	}
}
