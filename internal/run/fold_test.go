package run

import (
	"reflect"
	"testing"
)

func TestCategoryKey(t *testing.T) {
	if got := CategoryKey("staff", "positive", "friendly"); got != "staff_positive_friendly" {
		t.Fatalf("key=%q", got)
	}
	if got := CategoryKey("staff", "positive", ""); got != "staff_positive_no-detail" {
		t.Fatalf("missing sub-category should use sentinel, got %q", got)
	}
}

func TestFold_CountsByQuestionAndCategory(t *testing.T) {
	ledger := Ledger{
		{QuestionText: "Rating", Topic: "rating", Sentiment: SentimentNA, SubCategory: "5"},
		{QuestionText: "Rating", Topic: "rating", Sentiment: SentimentNA, SubCategory: "5"},
		{QuestionText: "Rating", Topic: "rating", Sentiment: SentimentNA, SubCategory: "3"},
		{QuestionText: "Comments", Topic: "staff", Sentiment: SentimentPositive},
	}

	stats := Fold(ledger)
	want := Stats{
		"Rating": {
			"rating_n/a_5": 2,
			"rating_n/a_3": 1,
		},
		"Comments": {
			"staff_positive_no-detail": 1,
		},
	}
	if !reflect.DeepEqual(stats, want) {
		t.Fatalf("stats=%v want=%v", stats, want)
	}
}

func TestFold_SkipsIncompleteRecords(t *testing.T) {
	ledger := Ledger{
		{QuestionText: "", Topic: "staff", Sentiment: SentimentPositive},
		{QuestionText: "Comments", Topic: "", Sentiment: SentimentPositive},
		{QuestionText: "Comments", Topic: "staff", Sentiment: ""},
		{QuestionText: "Comments", Topic: "staff", Sentiment: SentimentNeutral},
	}

	stats := Fold(ledger)
	if len(stats) != 1 || stats["Comments"]["staff_neutral_no-detail"] != 1 {
		t.Fatalf("incomplete records must be skipped, got %v", stats)
	}
}

func TestFold_Idempotent(t *testing.T) {
	ledger := Ledger{
		{QuestionText: "Comments", Topic: "staff", Sentiment: SentimentPositive, SubCategory: "friendly"},
		{QuestionText: "Comments", Topic: "wait_time", Sentiment: SentimentNegative},
	}

	first := Fold(ledger)
	second := Fold(ledger)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("fold must be idempotent: %v vs %v", first, second)
	}
}

func TestFold_EmptyLedger(t *testing.T) {
	if stats := Fold(nil); len(stats) != 0 {
		t.Fatalf("empty ledger should fold to empty stats, got %v", stats)
	}
}
