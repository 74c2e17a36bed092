// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/mbeema/hookdemo/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	scopeName    = "hookdemo"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends invocations as OTLP log records over gRPC, reconnecting
// when the channel breaks.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	resource    map[string]string
	endpoint    string
	opts        []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter. The connection is
// established lazily by gRPC, so an unreachable collector is only reported
// on export.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, resource map[string]string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		resource:    resource,
		endpoint:    cfg.Endpoint,
		opts:        opts,
	}
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}
	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))
	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

// ExportInvocations sends invs as one ExportLogsServiceRequest.
func (e *OTLPExporter) ExportInvocations(ctx context.Context, invs []*Invocation) error {
	if len(invs) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, logsRequest(e.serviceName, e.resource, invs))
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// logsRequest builds the OTLP payload shared by the gRPC and HTTP exporters.
// Invocations are grouped per host process so each gets its own resource.
func logsRequest(serviceName string, extra map[string]string, invs []*Invocation) *collogspb.ExportLogsServiceRequest {
	grouped := make(map[int][]*logspb.LogRecord)
	var pids []int
	for _, inv := range invs {
		if _, ok := grouped[inv.PID]; !ok {
			pids = append(pids, inv.PID)
		}
		grouped[inv.PID] = append(grouped[inv.PID], convertInvocation(inv))
	}

	scope := &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
	req := &collogspb.ExportLogsServiceRequest{}
	for _, pid := range pids {
		req.ResourceLogs = append(req.ResourceLogs, &logspb.ResourceLogs{
			Resource: resourceFor(serviceName, pid, extra),
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      scope,
				LogRecords: grouped[pid],
			}},
		})
	}
	return req
}

func convertInvocation(inv *Invocation) *logspb.LogRecord {
	ts := uint64(inv.Time.UnixNano())
	return &logspb.LogRecord{
		TimeUnixNano:         ts,
		ObservedTimeUnixNano: ts,
		SeverityNumber:       logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
		SeverityText:         "INFO",
		Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{
			StringValue: sanitizeUTF8(inv.Summary()),
		}},
		Attributes: []*commonpb.KeyValue{
			strAttr("hook.id", inv.Hook),
			strAttr("hook.scenario", inv.Scenario),
			strAttr("hook.phase", inv.Phase),
			strAttr("code.function", inv.Function),
			strAttr("code.module", inv.Module),
			strAttr("code.address", "0x"+strconv.FormatUint(inv.Address, 16)),
			strAttr("hook.arg", sanitizeUTF8(inv.Arg)),
			intAttr("hook.count", inv.Count),
			intAttr("thread.id", int64(inv.TID)),
		},
	}
}

func resourceFor(serviceName string, pid int, extra map[string]string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, strAttr(k, sanitizeUTF8(extra[k])))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid sequences; protobuf strings must be UTF-8
// and host memory is not.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strconv.QuoteToASCII(s)
}
