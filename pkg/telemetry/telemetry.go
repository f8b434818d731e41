// Package telemetry wires up Prometheus + OpenTelemetry metrics for the
// resolver. Grounded on the teacher's pkg/telemetry/telemetry.go
// (OTel MeterProvider backed by the Prometheus exporter, noop fallback
// when disabled), with the metric set replaced by the resolver data
// plane's own counters and histograms.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"dnscache/pkg/config"
	"dnscache/pkg/logging"
)

// Telemetry holds the metrics provider and its Prometheus exporter.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds every metric the resolver data plane emits.
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CacheSize        metric.Int64UpDownCounter
	CoalesceLeaders  metric.Int64Counter
	CoalesceWaiters  metric.Int64Counter
	UpstreamAttempts metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	UpstreamFailover metric.Int64Counter
}

// New creates a Telemetry instance. When cfg.Enabled is false, every
// metric call is a no-op.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Telemetry{cfg: cfg, meterProvider: noop.NewMeterProvider(), logger: logger}, nil
	}

	t := &Telemetry{cfg: cfg, logger: logger}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled)

	return t, nil
}

func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if err := t.startPrometheusServer(); err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}
	t.logger.Info("prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("prometheus server failed", "error", err)
		}
	}()
	return nil
}

// InitMetrics creates and returns every resolver metric.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dnscache")

	queriesTotal, err := meter.Int64Counter("dns.queries.total", metric.WithDescription("Total DNS queries received"))
	if err != nil {
		return nil, fmt.Errorf("queries_total counter: %w", err)
	}
	queryDuration, err := meter.Float64Histogram("dns.query.duration", metric.WithDescription("Query processing duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("query_duration histogram: %w", err)
	}
	cacheHits, err := meter.Int64Counter("dns.cache.hits", metric.WithDescription("Cache hits"))
	if err != nil {
		return nil, fmt.Errorf("cache_hits counter: %w", err)
	}
	cacheMisses, err := meter.Int64Counter("dns.cache.misses", metric.WithDescription("Cache misses"))
	if err != nil {
		return nil, fmt.Errorf("cache_misses counter: %w", err)
	}
	cacheSize, err := meter.Int64UpDownCounter("dns.cache.size", metric.WithDescription("Entries in cache"))
	if err != nil {
		return nil, fmt.Errorf("cache_size gauge: %w", err)
	}
	coalesceLeaders, err := meter.Int64Counter("dns.coalesce.leaders", metric.WithDescription("Requests that became coalescer leaders"))
	if err != nil {
		return nil, fmt.Errorf("coalesce_leaders counter: %w", err)
	}
	coalesceWaiters, err := meter.Int64Counter("dns.coalesce.waiters", metric.WithDescription("Requests that waited on a coalescer leader"))
	if err != nil {
		return nil, fmt.Errorf("coalesce_waiters counter: %w", err)
	}
	upstreamAttempts, err := meter.Int64Counter("dns.upstream.attempts", metric.WithDescription("Upstream query attempts"))
	if err != nil {
		return nil, fmt.Errorf("upstream_attempts counter: %w", err)
	}
	upstreamFailures, err := meter.Int64Counter("dns.upstream.failures", metric.WithDescription("Upstream query failures"))
	if err != nil {
		return nil, fmt.Errorf("upstream_failures counter: %w", err)
	}
	upstreamFailover, err := meter.Int64Counter("dns.upstream.failover", metric.WithDescription("Preferred-upstream failover transitions"))
	if err != nil {
		return nil, fmt.Errorf("upstream_failover counter: %w", err)
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		QueryDuration:    queryDuration,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		CacheSize:        cacheSize,
		CoalesceLeaders:  coalesceLeaders,
		CoalesceWaiters:  coalesceWaiters,
		UpstreamAttempts: upstreamAttempts,
		UpstreamFailures: upstreamFailures,
		UpstreamFailover: upstreamFailover,
	}, nil
}

// MeterProvider returns the underlying meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown gracefully shuts down telemetry, flushing any pending metrics.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	t.logger.Info("telemetry shut down")
	return nil
}
