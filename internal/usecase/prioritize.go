package usecase

import (
	"math"

	"torrentgate/internal/domain"
	"torrentgate/internal/domain/ports"
)

// hotFraction of each file, at both ends, is requested first so players can
// read headers and trailing indexes (moov atoms, cues) before the middle.
const hotFraction = 0.10

// hotRanges returns the leading and trailing spans of a file that should be
// fetched first. Overlapping spans collapse into one.
func hotRanges(length int64, fraction float64) []domain.Range {
	if length <= 0 || fraction <= 0 {
		return nil
	}
	span := int64(math.Ceil(float64(length) * fraction))
	if span <= 0 {
		span = 1
	}
	if span*2 >= length {
		return []domain.Range{{Off: 0, Length: length}}
	}
	return []domain.Range{
		{Off: 0, Length: span},
		{Off: length - span, Length: span},
	}
}

// prioritizeForStreaming marks the hot ranges of every file as high priority.
func prioritizeForStreaming(t ports.Transfer) int {
	marked := 0
	for _, f := range t.Files() {
		for _, r := range hotRanges(f.Length, hotFraction) {
			t.SetPriority(f, r, domain.PriorityHigh)
			marked++
		}
	}
	return marked
}
