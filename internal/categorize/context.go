package categorize

const (
	maxTopicHints       = 30
	maxSubCategoryHints = 50
)

// vocabulary accumulates the normalized topics and sub-categories seen so
// far in one run. It is owned by a single run, threaded through the
// sequential batch loop and never shared across runs; later batches receive
// the accumulated entries as prompt hints so the model reuses category
// labels instead of inventing near-duplicates per batch. Entries are
// cumulative for the whole run and never reset.
type vocabulary struct {
	topics        []string
	topicSeen     map[string]struct{}
	subCategories []string
	subSeen       map[string]struct{}
}

func newVocabulary() *vocabulary {
	return &vocabulary{
		topicSeen: make(map[string]struct{}),
		subSeen:   make(map[string]struct{}),
	}
}

func (v *vocabulary) addTopic(topic string) {
	if topic == "" {
		return
	}
	if _, ok := v.topicSeen[topic]; ok {
		return
	}
	v.topicSeen[topic] = struct{}{}
	v.topics = append(v.topics, topic)
}

func (v *vocabulary) addSubCategory(subCategory string) {
	if subCategory == "" {
		return
	}
	if _, ok := v.subSeen[subCategory]; ok {
		return
	}
	v.subSeen[subCategory] = struct{}{}
	v.subCategories = append(v.subCategories, subCategory)
}

// topicHints returns the first topics seen, capped to keep prompt growth
// bounded.
func (v *vocabulary) topicHints() []string {
	if len(v.topics) > maxTopicHints {
		return v.topics[:maxTopicHints]
	}
	return v.topics
}

func (v *vocabulary) subCategoryHints() []string {
	if len(v.subCategories) > maxSubCategoryHints {
		return v.subCategories[:maxSubCategoryHints]
	}
	return v.subCategories
}
