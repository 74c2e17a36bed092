// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mbeema/hookdemo/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

func newTestHTTPExporter(t *testing.T, compression string, handler http.HandlerFunc) *HTTPOTLPExporter {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	exp, err := NewHTTPOTLPExporter(&config.OTLPConfig{
		Endpoint:    strings.TrimPrefix(ts.URL, "http://"),
		Protocol:    "http",
		Compression: compression,
		Insecure:    true,
		Headers:     map[string]string{"X-Api-Key": "secret"},
	}, "hookdemo", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewHTTPOTLPExporter: %v", err)
	}
	return exp
}

func TestHTTPExporterLogs(t *testing.T) {
	var (
		path, contentType, encoding, apiKey string
		body                                []byte
	)
	exp := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		encoding = r.Header.Get("Content-Encoding")
		apiKey = r.Header.Get("X-Api-Key")

		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body, _ = io.ReadAll(gz)
		w.WriteHeader(http.StatusOK)
	})

	if err := exp.ExportInvocations(context.Background(), []*Invocation{sampleInvocation()}); err != nil {
		t.Fatalf("ExportInvocations: %v", err)
	}

	if path != "/v1/logs" {
		t.Errorf("path = %s, want /v1/logs", path)
	}
	if contentType != "application/x-protobuf" {
		t.Errorf("content-type = %s", contentType)
	}
	if encoding != "gzip" {
		t.Errorf("content-encoding = %s", encoding)
	}
	if apiKey != "secret" {
		t.Errorf("custom header not sent")
	}

	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal logs request: %v", err)
	}
	if len(req.ResourceLogs) != 1 {
		t.Fatalf("got %d ResourceLogs, want 1", len(req.ResourceLogs))
	}
}

func TestHTTPExporterUncompressed(t *testing.T) {
	var encoding string
	var body []byte
	exp := newTestHTTPExporter(t, "none", func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		body, _ = io.ReadAll(r.Body)
	})

	if err := exp.ExportInvocations(context.Background(), []*Invocation{sampleInvocation()}); err != nil {
		t.Fatalf("ExportInvocations: %v", err)
	}
	if encoding != "" {
		t.Errorf("content-encoding = %q, want none", encoding)
	}
	var req collogspb.ExportLogsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func TestHTTPExporterServerError(t *testing.T) {
	exp := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := exp.ExportInvocations(context.Background(), []*Invocation{sampleInvocation()})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 error, got %v", err)
	}
}

func TestHTTPExporterEmptyBatch(t *testing.T) {
	called := false
	exp := newTestHTTPExporter(t, "gzip", func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	if err := exp.ExportInvocations(context.Background(), nil); err != nil {
		t.Fatalf("ExportInvocations: %v", err)
	}
	if called {
		t.Error("empty batch must not hit the collector")
	}
}
