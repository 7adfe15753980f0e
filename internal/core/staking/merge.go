// Package staking combines staking terms reported by independent sources.
package staking

import (
	"fmt"
	"strings"

	"github.com/cryptowealth/datahub/internal/core"
)

// MergedSource is the Source of a record built from more than one input.
const MergedSource = "merged"

// Merge reduces records for the same asset into one.
//
// APY is the mean of the reported values and MinStake the minimum. Exchanges
// are the union in first-seen order. Type is the most frequent value; ties go
// to the value encountered first. Absent values do not count. A single
// record is returned unchanged and an empty input yields core.ErrDataUnavailable.
func Merge(records []core.StakingRecord) (core.StakingRecord, error) {
	switch len(records) {
	case 0:
		return core.StakingRecord{}, fmt.Errorf("merge staking records: %w", core.ErrDataUnavailable)
	case 1:
		return records[0], nil
	}

	merged := core.StakingRecord{Source: MergedSource}

	var (
		apySum   float64
		apyCount int
		minStake *float64
	)
	seenExchange := map[string]bool{}
	seenSource := map[string]bool{}
	typeCounts := map[string]int{}
	var typeOrder []string

	for _, record := range records {
		if record.APY != nil {
			apySum += *record.APY
			apyCount++
		}
		if record.MinStake != nil && (minStake == nil || *record.MinStake < *minStake) {
			value := *record.MinStake
			minStake = &value
		}
		for _, exchange := range record.Exchanges {
			exchange = strings.TrimSpace(exchange)
			if exchange == "" || seenExchange[exchange] {
				continue
			}
			seenExchange[exchange] = true
			merged.Exchanges = append(merged.Exchanges, exchange)
		}
		if kind := strings.TrimSpace(record.Type); kind != "" {
			if typeCounts[kind] == 0 {
				typeOrder = append(typeOrder, kind)
			}
			typeCounts[kind]++
		}
		for _, source := range sourcesOf(record) {
			if !seenSource[source] {
				seenSource[source] = true
				merged.Sources = append(merged.Sources, source)
			}
		}
	}

	if apyCount > 0 {
		mean := apySum / float64(apyCount)
		merged.APY = &mean
	}
	merged.MinStake = minStake
	merged.Type = modal(typeOrder, typeCounts)
	return merged, nil
}

func modal(order []string, counts map[string]int) string {
	best, bestCount := "", 0
	for _, kind := range order {
		if counts[kind] > bestCount {
			best, bestCount = kind, counts[kind]
		}
	}
	return best
}

func sourcesOf(record core.StakingRecord) []string {
	if len(record.Sources) > 0 {
		return record.Sources
	}
	if record.Source != "" {
		return []string{record.Source}
	}
	return nil
}
