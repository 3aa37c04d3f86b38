package fleetmetrics

import (
	"cmp"
	"slices"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
)

// toTimeSeries converts a gathered snapshot into remote_write series, all
// stamped with the same timestamp. Histograms and summaries contribute their
// _count and _sum series; buckets and quantiles stay local.
func toTimeSeries(families []*dto.MetricFamily, tsMillis int64) []prompb.TimeSeries {
	var out []prompb.TimeSeries
	for _, family := range families {
		name := family.GetName()
		for _, m := range family.GetMetric() {
			for _, s := range samplesOf(family.GetType(), m) {
				out = append(out, prompb.TimeSeries{
					Labels:  seriesLabels(name+s.suffix, m.GetLabel()),
					Samples: []prompb.Sample{{Value: s.value, Timestamp: tsMillis}},
				})
			}
		}
	}
	return out
}

type sample struct {
	suffix string
	value  float64
}

func samplesOf(kind dto.MetricType, m *dto.Metric) []sample {
	switch kind {
	case dto.MetricType_COUNTER:
		if c := m.GetCounter(); c != nil {
			return []sample{{value: c.GetValue()}}
		}
	case dto.MetricType_GAUGE:
		if g := m.GetGauge(); g != nil {
			return []sample{{value: g.GetValue()}}
		}
	case dto.MetricType_HISTOGRAM:
		if h := m.GetHistogram(); h != nil {
			return []sample{{"_count", float64(h.GetSampleCount())}, {"_sum", h.GetSampleSum()}}
		}
	case dto.MetricType_SUMMARY:
		if s := m.GetSummary(); s != nil {
			return []sample{{"_count", float64(s.GetSampleCount())}, {"_sum", s.GetSampleSum()}}
		}
	}
	return nil
}

// seriesLabels returns the label set sorted by name, as remote_write requires.
func seriesLabels(name string, pairs []*dto.LabelPair) []prompb.Label {
	labels := make([]prompb.Label, 0, len(pairs)+1)
	labels = append(labels, prompb.Label{Name: "__name__", Value: name})
	for _, p := range pairs {
		labels = append(labels, prompb.Label{Name: p.GetName(), Value: p.GetValue()})
	}
	slices.SortFunc(labels, func(a, b prompb.Label) int { return cmp.Compare(a.Name, b.Name) })
	return labels
}

// normalizeLabel keeps empty database values from producing blank label values.
func normalizeLabel(value string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return "unknown"
}
