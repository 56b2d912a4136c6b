// Package observability bootstraps OpenTelemetry tracing and metrics for the
// bot. It is off unless WABOT_OTEL_ENABLED=true and an OTLP endpoint is set;
// the global no-op providers are left in place otherwise.
package observability

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scope = "wabot"

// Config selects the exporter. FromEnv fills it the usual way.
type Config struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol           string
	ResourceAttributes map[string]string
}

// FromEnv reads WABOT_OTEL_* and falls back to the standard OTEL_* names.
func FromEnv(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Config{
		Enabled: strings.EqualFold(getenv("WABOT_OTEL_ENABLED"), "true"),
		ServiceName: firstNonEmpty(
			getenv("WABOT_OTEL_SERVICE_NAME"),
			getenv("OTEL_SERVICE_NAME"),
			"wabot",
		),
		Endpoint: firstNonEmpty(
			getenv("WABOT_OTEL_OTLP_ENDPOINT"),
			getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		),
		Protocol: strings.ToLower(firstNonEmpty(
			getenv("WABOT_OTEL_OTLP_PROTOCOL"),
			getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
			"grpc",
		)),
		ResourceAttributes: parseResourceAttributes(firstNonEmpty(
			getenv("WABOT_OTEL_RESOURCE_ATTRIBUTES"),
			getenv("OTEL_RESOURCE_ATTRIBUTES"),
		)),
	}
}

// Observability holds the bot's OTel instruments.
type Observability struct {
	enabled  bool
	shutdown func(context.Context) error

	commands   metric.Int64Counter
	commandDur metric.Float64Histogram
	backupRuns metric.Int64Counter
}

// Disabled returns an Observability whose recorders do nothing.
func Disabled() *Observability {
	return &Observability{shutdown: func(context.Context) error { return nil }}
}

// Init installs global tracer and meter providers. Failures are logged and
// leave observability disabled; the bot runs either way.
func Init(ctx context.Context, cfg Config, log logr.Logger) *Observability {
	log = log.WithName("otel")
	if !cfg.Enabled {
		return Disabled()
	}
	if cfg.Endpoint == "" {
		log.Info("observability enabled but no OTLP endpoint set; skipping OTel bootstrap")
		return Disabled()
	}

	res := buildResource(ctx, cfg, log)
	tp, mp, err := buildProviders(ctx, cfg.Protocol, cfg.Endpoint, res)
	if err != nil {
		log.Error(err, "failed to initialize OTel exporters")
		return Disabled()
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	o := &Observability{
		enabled: true,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}
	o.initMetrics(log)
	log.Info("OpenTelemetry enabled", "endpoint", cfg.Endpoint, "protocol", cfg.Protocol)
	return o
}

// Shutdown flushes and stops the exporters.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.shutdown == nil {
		return nil
	}
	return o.shutdown(ctx)
}

// Enabled reports whether exporters are installed.
func (o *Observability) Enabled() bool {
	return o != nil && o.enabled
}

func buildResource(ctx context.Context, cfg Config, log logr.Logger) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		attribute.String("service.namespace", "wabot"),
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		log.Error(err, "failed building OTel resource, using defaults")
		return resource.Default()
	}
	return res
}

func buildProviders(
	ctx context.Context,
	protocol string,
	endpoint string,
	res *resource.Resource,
) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	cleanEndpoint, insecure := normalizeEndpoint(endpoint)

	var (
		traceExp sdktrace.SpanExporter
		reader   sdkmetric.Reader
		err      error
	)

	switch protocol {
	case "http/protobuf":
		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cleanEndpoint)}
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cleanEndpoint)}
		if insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		if traceExp, err = otlptracehttp.New(ctx, traceOpts...); err != nil {
			return nil, nil, err
		}
		metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(metricExp)
	default:
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cleanEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cleanEndpoint)}
		if insecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		if traceExp, err = otlptracegrpc.New(ctx, traceOpts...); err != nil {
			return nil, nil, err
		}
		metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(metricExp)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return tp, mp, nil
}

func (o *Observability) initMetrics(log logr.Logger) {
	meter := otel.Meter(scope)
	var err error

	o.commands, err = meter.Int64Counter("wabot.command.invocations")
	if err != nil {
		log.Error(err, "failed creating metric", "name", "wabot.command.invocations")
	}
	o.commandDur, err = meter.Float64Histogram("wabot.command.duration", metric.WithUnit("ms"))
	if err != nil {
		log.Error(err, "failed creating metric", "name", "wabot.command.duration")
	}
	o.backupRuns, err = meter.Int64Counter("wabot.auth.backup.triggers")
	if err != nil {
		log.Error(err, "failed creating metric", "name", "wabot.auth.backup.triggers")
	}
}

// RecordCommand counts one chat command invocation.
func (o *Observability) RecordCommand(ctx context.Context, name, status string, d time.Duration) {
	if !o.Enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command", name),
		attribute.String("status", status),
	)
	if o.commands != nil {
		o.commands.Add(ctx, 1, attrs)
	}
	if o.commandDur != nil {
		o.commandDur.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

// RecordBackupTrigger counts backup requests by source (save, watcher,
// schedule, connected, pairing, command).
func (o *Observability) RecordBackupTrigger(ctx context.Context, source string) {
	if !o.Enabled() || o.backupRuns == nil {
		return
	}
	o.backupRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func normalizeEndpoint(endpoint string) (string, bool) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", true
	}
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err == nil && u.Host != "" {
			return u.Host, u.Scheme != "https"
		}
	}
	return endpoint, true
}

func parseResourceAttributes(csv string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(csv, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
