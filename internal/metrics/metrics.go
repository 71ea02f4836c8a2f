// Package metrics exposes voxecho runtime statistics as Prometheus
// metrics, gathered from providers at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// MediaEndpointsProvider exposes the number of allocated RTP endpoints.
type MediaEndpointsProvider interface {
	Count() int
}

// CallStats summarizes finished and in-progress calls for metrics.
type CallStats struct {
	TotalCalls     int64
	ByDisposition  map[string]int64
	DigitsPlayed   int64
	PlaybackRounds int64
}

// CallStatsProvider aggregates call detail records.
type CallStatsProvider interface {
	CallStats(ctx context.Context) (*CallStats, error)
}

// dispositions enumerated so every label series is always emitted, even
// at zero.
var dispositions = []string{
	"in_progress", "hangup", "cancelled", "no_ack", "failed", "shutdown",
}

// Collector is a prometheus.Collector that gathers voxecho metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	activeCalls ActiveCallsProvider
	endpoints   MediaEndpointsProvider
	calls       CallStatsProvider
	startTime   time.Time

	activeCallsDesc    *prometheus.Desc
	rtpEndpointsDesc   *prometheus.Desc
	callsTotalDesc     *prometheus.Desc
	digitsPlayedDesc   *prometheus.Desc
	playbackRoundsDesc *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	activeCalls ActiveCallsProvider,
	endpoints MediaEndpointsProvider,
	calls CallStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		endpoints:   endpoints,
		calls:       calls,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voxecho_active_calls",
			"Number of currently answered calls",
			nil, nil,
		),
		rtpEndpointsDesc: prometheus.NewDesc(
			"voxecho_rtp_endpoints_active",
			"Number of allocated RTP media endpoints",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voxecho_calls_total",
			"Total number of calls processed, by disposition",
			[]string{"disposition"}, nil,
		),
		digitsPlayedDesc: prometheus.NewDesc(
			"voxecho_digits_played_total",
			"Total DTMF digits played back to callers",
			nil, nil,
		),
		playbackRoundsDesc: prometheus.NewDesc(
			"voxecho_playback_rounds_total",
			"Total digit playback rounds ('#' presses) across all calls",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxecho_uptime_seconds",
			"Seconds since the voxecho process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.rtpEndpointsDesc
	ch <- c.callsTotalDesc
	ch <- c.digitsPlayedDesc
	ch <- c.playbackRoundsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.endpoints != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpEndpointsDesc, prometheus.GaugeValue,
			float64(c.endpoints.Count()),
		)
	}

	if c.calls != nil {
		stats, err := c.calls.CallStats(ctx)
		if err != nil {
			slog.Error("metrics: failed to aggregate call stats", "error", err)
		} else {
			for _, d := range dispositions {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(stats.ByDisposition[d]), d,
				)
			}
			ch <- prometheus.MustNewConstMetric(
				c.digitsPlayedDesc, prometheus.CounterValue,
				float64(stats.DigitsPlayed),
			)
			ch <- prometheus.MustNewConstMetric(
				c.playbackRoundsDesc, prometheus.CounterValue,
				float64(stats.PlaybackRounds),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
