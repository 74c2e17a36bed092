// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbeema/hookdemo/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// HTTPOTLPExporter sends invocations via OTLP HTTP/protobuf.
type HTTPOTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	resource    map[string]string
	endpoint    string
	compression string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPOTLPExporter creates a new OTLP HTTP exporter.
func NewHTTPOTLPExporter(cfg *config.OTLPConfig, serviceName string, resource map[string]string, logger *zap.Logger) (*HTTPOTLPExporter, error) {
	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}

	compression := cfg.Compression
	if compression == "" {
		compression = "gzip"
	}

	return &HTTPOTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		resource:    resource,
		endpoint:    fmt.Sprintf("%s://%s", scheme, cfg.Endpoint),
		compression: compression,
		headers:     cfg.Headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// ExportInvocations posts invs to /v1/logs.
func (e *HTTPOTLPExporter) ExportInvocations(ctx context.Context, invs []*Invocation) error {
	if len(invs) == 0 {
		return nil
	}
	return e.post(ctx, "/v1/logs", logsRequest(e.serviceName, e.resource, invs))
}

// post sends a protobuf-encoded request to the OTLP HTTP endpoint.
func (e *HTTPOTLPExporter) post(ctx context.Context, path string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}

	var body io.Reader = bytes.NewReader(data)
	if e.compression == "gzip" {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if e.compression == "gzip" {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("OTLP HTTP %s returned %d", path, resp.StatusCode)
}

// Shutdown closes idle connections.
func (e *HTTPOTLPExporter) Shutdown(ctx context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
