package aggregator

import (
	"github.com/flowmetry/flowmetry/internal/bus"
	"github.com/flowmetry/flowmetry/internal/models"
)

// PairAverage is one (service, metric) summary from a metrics window.
type PairAverage struct {
	Service string  `json:"service"`
	Metric  string  `json:"metric"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

// CountByService builds a reducer that tallies anomaly messages per service.
// Messages that fail to decode count under "unknown".
func CountByService(report func(total int, counts map[string]int)) Reducer {
	return func(window []bus.Message) error {
		counts := make(map[string]int)
		for _, msg := range window {
			var a models.Anomaly
			if err := msg.Decode(&a); err != nil || a.Service == "" {
				counts["unknown"]++
				continue
			}
			counts[a.Service]++
		}
		report(len(window), counts)
		return nil
	}
}

// AverageByPair builds a reducer that averages metric sample values per
// (service, metric) pair. Undecodable messages are skipped.
func AverageByPair(report func(averages []PairAverage)) Reducer {
	return func(window []bus.Message) error {
		type acc struct {
			service string
			metric  string
			sum     float64
			count   int
		}

		order := make([]string, 0, len(window))
		groups := make(map[string]*acc)
		for _, msg := range window {
			var sample models.MetricSample
			if err := msg.Decode(&sample); err != nil || sample.Service == "" {
				continue
			}
			key := sample.PairKey()
			group, ok := groups[key]
			if !ok {
				group = &acc{service: sample.Service, metric: sample.Metric}
				groups[key] = group
				order = append(order, key)
			}
			group.sum += sample.Value
			group.count++
		}

		averages := make([]PairAverage, 0, len(groups))
		for _, key := range order {
			group := groups[key]
			averages = append(averages, PairAverage{
				Service: group.service,
				Metric:  group.metric,
				Average: group.sum / float64(group.count),
				Count:   group.count,
			})
		}
		report(averages)
		return nil
	}
}
