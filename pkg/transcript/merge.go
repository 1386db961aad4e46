package transcript

import (
	"time"

	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// DefaultMergeWindow is how close two same-speaker fragments must arrive to
// be folded into one utterance.
const DefaultMergeWindow = 15 * time.Second

// Merge folds u into transcript. When the last utterance has the same speaker
// and u arrived less than window after it, the text is appended and the
// timestamp moves to u's. Otherwise u is appended as a new utterance.
func Merge(transcript []store.Utterance, u store.Utterance, window time.Duration) ([]store.Utterance, bool) {
	if n := len(transcript); n > 0 {
		last := &transcript[n-1]
		if last.Speaker == u.Speaker && u.Timestamp.Sub(last.Timestamp) < window {
			last.Text += " " + u.Text
			last.Timestamp = u.Timestamp
			return transcript, true
		}
	}
	return append(transcript, u), false
}
