package fleetmetrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	"gorm.io/gorm"
)

// Collector snapshots fleet-wide gauges from the store into a private
// registry. Labels never carry tenant or device identifiers.
type Collector struct {
	db       *gorm.DB
	registry *prometheus.Registry

	devices         *prometheus.GaugeVec
	queueItems      *prometheus.GaugeVec
	breakers        *prometheus.GaugeVec
	offlineSessions prometheus.Gauge
	info            *prometheus.GaugeVec
}

func NewCollector(db *gorm.DB, instanceID, version string) *Collector {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"instance_id": normalizeLabel(instanceID)}

	c := &Collector{
		db:       db,
		registry: registry,
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "srmgate_fleet_devices",
			Help:        "Device profiles by environment and enrollment state.",
			ConstLabels: constLabels,
		}, []string{"environment", "state"}),
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "srmgate_fleet_queue_items",
			Help:        "Transmission queue items by status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "srmgate_fleet_breakers",
			Help:        "Regulator circuit breakers by state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		offlineSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "srmgate_fleet_offline_sessions_open",
			Help:        "Offline sessions that have not ended.",
			ConstLabels: constLabels,
		}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "srmgate_fleet_info",
			Help:        "Build information of the reporting instance.",
			ConstLabels: constLabels,
		}, []string{"version"}),
	}
	registry.MustRegister(c.devices, c.queueItems, c.breakers, c.offlineSessions, c.info)
	c.info.WithLabelValues(normalizeLabel(version)).Set(1)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Refresh replaces every gauge with the current store totals.
func (c *Collector) Refresh(ctx context.Context) error {
	if c == nil || c.db == nil {
		return nil
	}
	db := c.db.WithContext(ctx)

	var devices []struct {
		Environment string
		State       string
		N           int64
	}
	if err := db.Model(&devicedomain.Profile{}).
		Select("environment, enrollment_state AS state, COUNT(*) AS n").
		Group("environment, enrollment_state").
		Scan(&devices).Error; err != nil {
		return err
	}

	var items []struct {
		Status string
		N      int64
	}
	if err := db.Model(&queuedomain.Item{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&items).Error; err != nil {
		return err
	}

	var breakers []struct {
		State string
		N     int64
	}
	if err := db.Model(&queuedomain.BreakerState{}).
		Select("state, COUNT(*) AS n").
		Group("state").
		Scan(&breakers).Error; err != nil {
		return err
	}

	var open int64
	if err := db.Model(&connectivitydomain.OfflineSession{}).
		Where("ended_at IS NULL").
		Count(&open).Error; err != nil {
		return err
	}

	c.devices.Reset()
	for _, row := range devices {
		c.devices.WithLabelValues(normalizeLabel(row.Environment), normalizeLabel(row.State)).Set(float64(row.N))
	}
	c.queueItems.Reset()
	for _, row := range items {
		c.queueItems.WithLabelValues(normalizeLabel(row.Status)).Set(float64(row.N))
	}
	c.breakers.Reset()
	for _, row := range breakers {
		c.breakers.WithLabelValues(normalizeLabel(row.State)).Set(float64(row.N))
	}
	c.offlineSessions.Set(float64(open))
	return nil
}
