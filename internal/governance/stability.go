package governance

// historyDepth is how many of an agent's most recent reputation samples
// feed the stability metric; older samples are dropped.
const historyDepth = 5

// recordHistorySample appends value to agentID's rolling sample window,
// keeping only the most recent historyDepth entries.
func (r *Registry) recordHistorySample(agentID string, value float64) {
	samples := append(r.History[agentID], value)
	if len(samples) > historyDepth {
		samples = samples[len(samples)-historyDepth:]
	}
	r.History[agentID] = samples
}

// populationVariance returns the population variance (divide by N, not
// N-1, since this is the full window, not a sample of a larger population)
// of samples.
func populationVariance(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	return variance / float64(len(samples))
}

// StabilityMetric is the mean, across every agent with at least one
// recorded sample, of that agent's population variance over its last
// historyDepth reputation samples. A lower value means the registry's
// trust state has settled; a spike means agents are being repeatedly
// re-scored in opposite directions.
func (r *Registry) StabilityMetric() float64 {
	if len(r.History) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, samples := range r.History {
		if len(samples) == 0 {
			continue
		}
		sum += populationVariance(samples)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// RecordStabilitySnapshot samples every known agent's current reputation
// score into its history window and appends a TRUST_STABILITY_METRIC entry
// reporting the resulting aggregate metric.
func RecordStabilitySnapshot(r *Registry, ledger *Ledger) (float64, error) {
	for _, agentID := range r.sortedAgentIDs() {
		r.recordHistorySample(agentID, r.Agents[agentID].ReputationScore)
	}
	metric := r.StabilityMetric()

	if ledger != nil {
		payload := map[string]interface{}{
			"metric": metric,
			"agents": r.sortedAgentIDs(),
		}
		if _, err := ledger.Append(EntryTrustStabilityMetric, payload); err != nil {
			return metric, err
		}
	}
	return metric, nil
}
