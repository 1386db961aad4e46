package extraction

import (
	"sync"

	"github.com/otherjamesbrown/penf-capture/client"
)

// state is the per-meeting extraction state. busy and dirty form the
// single-flight state machine: busy means a request is outstanding, dirty
// means notifications arrived during it and exactly one rerun is owed.
type state struct {
	mu sync.Mutex

	meetingID   string
	lastIndex   int
	batch       int
	busy        bool
	dirty       bool
	gen         uint64
	timer       Timer
	detached    bool
	interviewID string

	evidence []client.Evidence
	tasks    []client.Task
	people   []client.Person
}

func (st *state) stopTimer() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

func (st *state) gists() []string {
	out := make([]string, len(st.evidence))
	for i, e := range st.evidence {
		out[i] = e.Gist
	}
	return out
}

func (st *state) indexOf(gist string) int {
	for i, e := range st.evidence {
		if e.Gist == gist {
			return i
		}
	}
	return -1
}

// merge folds one response into the accumulated state and returns the
// evidence surfaced as new and as updated. Callers hold st.mu.
func (st *state) merge(resp *client.EvidenceResponse) (added, updated []client.Evidence) {
	for _, e := range resp.Evidence {
		clean := client.Evidence{
			Gist:          e.Gist,
			SpeakerLabel:  e.SpeakerLabel,
			Verbatim:      e.Verbatim,
			FacetMentions: e.FacetMentions,
		}
		if clean.Gist == "" {
			continue
		}

		if e.Action == client.ActionUpdate && e.UpdatesGist != "" {
			if idx := st.indexOf(e.UpdatesGist); idx >= 0 {
				if dup := st.indexOf(clean.Gist); dup >= 0 && dup != idx {
					st.evidence = append(st.evidence[:dup], st.evidence[dup+1:]...)
					if dup < idx {
						idx--
					}
				}
				st.evidence[idx] = clean
				updated = append(updated, clean)
				continue
			}
		}

		if st.indexOf(clean.Gist) < 0 {
			st.evidence = append(st.evidence, clean)
			added = append(added, clean)
		}
	}

	seenTask := make(map[string]struct{}, len(st.tasks))
	for _, t := range st.tasks {
		seenTask[t.Text] = struct{}{}
	}
	for _, t := range resp.Tasks {
		if _, ok := seenTask[t.Text]; ok || t.Text == "" {
			continue
		}
		seenTask[t.Text] = struct{}{}
		st.tasks = append(st.tasks, t)
	}

	seenPerson := make(map[string]struct{}, len(st.people))
	for _, p := range st.people {
		seenPerson[p.PersonKey] = struct{}{}
	}
	for _, p := range resp.People {
		if _, ok := seenPerson[p.PersonKey]; ok || p.PersonKey == "" {
			continue
		}
		seenPerson[p.PersonKey] = struct{}{}
		st.people = append(st.people, p)
	}
	return added, updated
}

// Snapshot is a copy of a meeting's accumulated extraction results.
type Snapshot struct {
	MeetingID          string            `json:"meeting_id"`
	InterviewID        string            `json:"interview_id,omitempty"`
	LastExtractedIndex int               `json:"last_extracted_index"`
	BatchSequence      int               `json:"batch_sequence"`
	Evidence           []client.Evidence `json:"evidence"`
	Tasks              []client.Task     `json:"tasks"`
	People             []client.Person   `json:"people"`
}

func (st *state) snapshot() Snapshot {
	return Snapshot{
		MeetingID:          st.meetingID,
		InterviewID:        st.interviewID,
		LastExtractedIndex: st.lastIndex,
		BatchSequence:      st.batch,
		Evidence:           append([]client.Evidence{}, st.evidence...),
		Tasks:              append([]client.Task{}, st.tasks...),
		People:             append([]client.Person{}, st.people...),
	}
}
