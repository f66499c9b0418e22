package engine

import "github.com/shopspring/decimal"

// detectSpikes evaluates both directions independently against the
// window extrema (minV, maxV) observed at tick.Timestamp. A single
// tick can in principle emit both an upward and a downward spike.
func detectSpikes(tick Tick, minV, maxV, thresholdRatio float64) []Spike {
	var spikes []Spike
	price := tick.Price.InexactFloat64()

	if minV > 0 {
		ratio := (price - minV) / minV
		if ratio > thresholdRatio {
			changePercent := ratio * 100
			spikes = append(spikes, Spike{
				Symbol:         tick.Symbol,
				ReferencePrice: decimal.NewFromFloat(minV),
				NewPrice:       tick.Price,
				ChangePercent:  changePercent,
				DetectedAt:     tick.Timestamp,
				Severity:       classifySeverity(changePercent),
			})
		}
	}

	if maxV > 0 {
		ratio := (price - maxV) / maxV
		if ratio < -thresholdRatio {
			changePercent := ratio * 100
			spikes = append(spikes, Spike{
				Symbol:         tick.Symbol,
				ReferencePrice: decimal.NewFromFloat(maxV),
				NewPrice:       tick.Price,
				ChangePercent:  changePercent,
				DetectedAt:     tick.Timestamp,
				Severity:       classifySeverity(changePercent),
			})
		}
	}

	return spikes
}
