package transcript

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

func TestMerge(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		gap        time.Duration
		speaker    string
		wantLen    int
		wantMerged bool
	}{
		{"same speaker within window", 2 * time.Second, "A", 1, true},
		{"same speaker past window", 20 * time.Second, "A", 2, false},
		{"window boundary is exclusive", 15 * time.Second, "A", 2, false},
		{"different speaker", time.Second, "B", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := []store.Utterance{{Speaker: "A", Text: "hello", Timestamp: base}}
			got, merged := Merge(tr, store.Utterance{Speaker: tt.speaker, Text: "world", Timestamp: base.Add(tt.gap)}, DefaultMergeWindow)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
			if merged != tt.wantMerged {
				t.Errorf("merged = %v, want %v", merged, tt.wantMerged)
			}
		})
	}
}

func TestMergeHelloWorld(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	near, _ := Merge(nil, store.Utterance{Speaker: "A", Text: "hello", Timestamp: base}, DefaultMergeWindow)
	near, _ = Merge(near, store.Utterance{Speaker: "A", Text: "world", Timestamp: base.Add(2 * time.Second)}, DefaultMergeWindow)
	assert.Equal(t, []store.Utterance{{Speaker: "A", Text: "hello world", Timestamp: base.Add(2 * time.Second)}}, near)

	far, _ := Merge(nil, store.Utterance{Speaker: "A", Text: "hello", Timestamp: base}, DefaultMergeWindow)
	far, _ = Merge(far, store.Utterance{Speaker: "A", Text: "world", Timestamp: base.Add(20 * time.Second)}, DefaultMergeWindow)
	assert.Len(t, far, 2)
	assert.Equal(t, "hello", far[0].Text)
	assert.Equal(t, "world", far[1].Text)
}

// Merging never grows the transcript by more than one, never reorders
// speakers and keeps every word in arrival order.
func TestMergePreservesOrder(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	speakers := []string{"A", "B", "C"}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var tr []store.Utterance
	var words []string
	for n := 0; n < 500; n++ {
		at = at.Add(time.Duration(r.Intn(30)) * time.Second)
		w := speakers[r.Intn(len(speakers))] + "-" + string(rune('a'+n%26))
		before := len(tr)
		tr, _ = Merge(tr, store.Utterance{Speaker: w[:1], Text: w, Timestamp: at}, DefaultMergeWindow)
		words = append(words, w)

		assert.LessOrEqual(t, len(tr)-before, 1)
		assert.LessOrEqual(t, len(tr), len(words))
	}

	var joined []string
	for i, u := range tr {
		if i > 0 {
			assert.False(t, u.Timestamp.Before(tr[i-1].Timestamp))
		}
		joined = append(joined, u.Text)
	}
	assert.Equal(t, words, splitAll(joined))
}

func splitAll(texts []string) []string {
	var out []string
	for _, t := range texts {
		start := 0
		for i := 0; i <= len(t); i++ {
			if i == len(t) || t[i] == ' ' {
				out = append(out, t[start:i])
				start = i + 1
			}
		}
	}
	return out
}
