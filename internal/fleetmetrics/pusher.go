package fleetmetrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/srmgate/internal/config"
	obstracing "github.com/smallbiznis/srmgate/internal/observability/tracing"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"

	pushTimeout = 5 * time.Second
)

// Pusher ships one snapshot of the fleet registry.
type Pusher interface {
	Push(ctx context.Context, registry *prometheus.Registry) error
}

// NewPusher selects the backend named by FLEET_METRICS_EXPORTER. Fleet
// reporting switched off yields a nil Pusher.
func NewPusher(cfg config.Config) (Pusher, error) {
	fleet := cfg.Fleet
	if !fleet.Enabled {
		return nil, nil
	}
	endpoint := strings.TrimSpace(fleet.Endpoint)
	if endpoint == "" {
		return nil, srmerror.Configuration("FLEET_METRICS_ENDPOINT", "required when fleet metrics are enabled", nil)
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, srmerror.Configuration("FLEET_METRICS_ENDPOINT", "invalid url", err)
	}

	switch exporter := strings.ToLower(strings.TrimSpace(fleet.Exporter)); exporter {
	case ExporterRemoteWrite:
		return NewRemoteWritePusher(endpoint, fleet.AuthToken), nil
	case ExporterPushgateway:
		return &PushgatewayPusher{
			endpoint: endpoint,
			job:      normalizeJob(cfg.AppName),
			grouping: map[string]string{
				"environment": cfg.Environment,
				"instance":    fleet.InstanceID,
			},
		}, nil
	case "":
		return nil, srmerror.Configuration("FLEET_METRICS_EXPORTER", "required when fleet metrics are enabled", nil)
	default:
		return nil, srmerror.Configuration("FLEET_METRICS_EXPORTER", "unsupported exporter "+exporter, nil)
	}
}

// RemoteWritePusher posts snappy-compressed WriteRequests.
type RemoteWritePusher struct {
	endpoint string
	token    string
	client   *http.Client
	now      func() time.Time
}

func NewRemoteWritePusher(endpoint, token string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint: endpoint,
		token:    strings.TrimSpace(token),
		client:   obstracing.WrapHTTPClient(&http.Client{Timeout: pushTimeout}),
		now:      time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("fleetmetrics: gather: %w", err)
	}
	series := toTimeSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}
	body, err := encodeWriteRequest(series)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return srmerror.Transient(p.endpoint, 0, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= http.StatusInternalServerError:
		return srmerror.Transient(p.endpoint, resp.StatusCode, nil)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("fleetmetrics: remote write rejected: %s", resp.Status)
	}
	return nil
}

func encodeWriteRequest(series []prompb.TimeSeries) ([]byte, error) {
	raw, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return nil, fmt.Errorf("fleetmetrics: encode: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// PushgatewayPusher replaces this instance's group on a Pushgateway.
type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func (p *PushgatewayPusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	pusher := push.New(p.endpoint, p.job).Gatherer(registry)
	for key, value := range p.grouping {
		if value = strings.TrimSpace(value); value != "" {
			pusher = pusher.Grouping(key, value)
		}
	}
	return pusher.PushContext(ctx)
}

func normalizeJob(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "srmgate"
}
