package run

// CategoryKey joins topic, sentiment and sub-category into the bucket key
// used by Stats. A missing sub-category falls back to the NoDetail sentinel.
func CategoryKey(topic, sentiment, subCategory string) string {
	if subCategory == "" {
		subCategory = NoDetail
	}
	return topic + "_" + sentiment + "_" + subCategory
}

// Fold recomputes Stats from the whole ledger in a single pass. Entries
// missing question text, topic or sentiment are skipped, never counted and
// never an error. Fold is deterministic and idempotent; the run re-folds the
// full ledger at completion instead of maintaining counts incrementally.
func Fold(ledger Ledger) Stats {
	stats := make(Stats)
	for _, c := range ledger {
		if c.QuestionText == "" || c.Topic == "" || c.Sentiment == "" {
			continue
		}
		byCategory, ok := stats[c.QuestionText]
		if !ok {
			byCategory = make(map[string]int)
			stats[c.QuestionText] = byCategory
		}
		byCategory[CategoryKey(c.Topic, c.Sentiment, c.SubCategory)]++
	}
	return stats
}
