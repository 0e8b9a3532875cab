package reward

// Aggregate merges signals from the same (cluster, round) into one,
// weighting per-key statistics by each contributor's sample count.
// Optional fields are averaged over the contributors that provided
// them. Signals with a mismatched cluster or round yield nil.
func Aggregate(signals []*Signal) *Signal {
	if len(signals) == 0 {
		return nil
	}

	first := signals[0]
	for _, s := range signals[1:] {
		if s.ClusterHash != first.ClusterHash || s.AggregationRound != first.AggregationRound {
			return nil
		}
	}

	totalParticipants := 0
	for _, s := range signals {
		totalParticipants += s.ParticipantCount
	}

	keys := make(map[string]bool)
	for _, s := range signals {
		for k := range s.RewardSignals {
			keys[k] = true
		}
	}

	aggregated := make(map[string]RewardData, len(keys))
	for key := range keys {
		var (
			totalWeight  int64
			successSum   float64
			latencySum   float64
			qualitySum   float64
			qualityCount int64
			costSum      float64
			costCount    int64
		)
		for _, s := range signals {
			data, ok := s.RewardSignals[key]
			if !ok {
				continue
			}
			w := data.TotalSamples
			totalWeight += w
			successSum += data.SuccessRate * float64(w)
			latencySum += data.AvgLatency * float64(w)
			if data.QualityScore != nil {
				qualitySum += *data.QualityScore * float64(w)
				qualityCount += w
			}
			if data.CostEfficiency != nil {
				costSum += *data.CostEfficiency * float64(w)
				costCount += w
			}
		}
		if totalWeight == 0 {
			continue
		}
		out := RewardData{
			SuccessRate:  successSum / float64(totalWeight),
			AvgLatency:   latencySum / float64(totalWeight),
			TotalSamples: totalWeight,
		}
		if qualityCount > 0 {
			q := qualitySum / float64(qualityCount)
			out.QualityScore = &q
		}
		if costCount > 0 {
			c := costSum / float64(costCount)
			out.CostEfficiency = &c
		}
		aggregated[key] = out
	}

	result := NewSignal(first.AggregationRound, first.ClusterHash, aggregated, totalParticipants)

	var budgetTotal float64
	budgetSeen := false
	for _, s := range signals {
		if s.PrivacyBudgetUsed != nil {
			budgetTotal += *s.PrivacyBudgetUsed
			budgetSeen = true
		}
	}
	if budgetSeen && budgetTotal > 0 {
		result.PrivacyBudgetUsed = &budgetTotal
	}

	var noiseSum float64
	noiseCount := 0
	for _, s := range signals {
		if s.NoiseScale != nil {
			noiseSum += *s.NoiseScale
			noiseCount++
		}
	}
	if noiseCount > 0 {
		avg := noiseSum / float64(noiseCount)
		result.NoiseScale = &avg
	}

	return result
}
