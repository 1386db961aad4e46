package finalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/otherjamesbrown/penf-capture/client"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// MatchType indicates how a person was matched to a participant.
type MatchType string

const (
	MatchTypeNone  MatchType = ""
	MatchTypeExact MatchType = "exact"
	MatchTypeFuzzy MatchType = "fuzzy"
)

// Pronoun suffixes to strip from display names
var pronounPatterns = regexp.MustCompile(`(?i)\s*\((?:she|he|they)(?:/(?:her|him|them|they|she|he))*\)\s*$`)

var folder = cases.Fold()

// NormalizeName strips a trailing pronoun suffix such as "(she/her)" and
// surrounding whitespace.
func NormalizeName(name string) string {
	name = pronounPatterns.ReplaceAllString(name, "")
	return strings.TrimSpace(name)
}

func foldKey(name string) string {
	return folder.String(NormalizeName(name))
}

// ParticipantMatcher matches extracted people to the participants the
// capture SDK saw join.
type ParticipantMatcher struct {
	participants []store.Participant
	keys         []string
	exact        map[string]int
}

// NewParticipantMatcher indexes participants by folded, normalized name.
func NewParticipantMatcher(participants []store.Participant) *ParticipantMatcher {
	m := &ParticipantMatcher{
		participants: participants,
		keys:         make([]string, len(participants)),
		exact:        make(map[string]int, len(participants)),
	}
	for i, p := range participants {
		key := foldKey(p.Name)
		m.keys[i] = key
		if _, dup := m.exact[key]; !dup && key != "" {
			m.exact[key] = i
		}
	}
	return m
}

// Match returns the participant whose name equals name, or failing that the
// first one whose name contains it or is contained by it.
func (m *ParticipantMatcher) Match(name string) (*store.Participant, MatchType) {
	key := foldKey(name)
	if key == "" {
		return nil, MatchTypeNone
	}
	if i, ok := m.exact[key]; ok {
		return &m.participants[i], MatchTypeExact
	}
	for i, pk := range m.keys {
		if pk == "" {
			continue
		}
		if strings.Contains(pk, key) || strings.Contains(key, pk) {
			return &m.participants[i], MatchTypeFuzzy
		}
	}
	return nil, MatchTypeNone
}

// MergePeople enriches each extracted person with the identity of the
// participant they match, when there is one.
func MergePeople(participants []store.Participant, people []client.Person) []client.EnrichedPerson {
	matcher := NewParticipantMatcher(participants)
	out := make([]client.EnrichedPerson, 0, len(people))
	for _, person := range people {
		ep := client.EnrichedPerson{
			PersonKey:  person.PersonKey,
			PersonName: person.PersonName,
			Role:       person.Role,
		}
		if p, _ := matcher.Match(person.PersonName); p != nil {
			ep.RecallParticipantID = p.PlatformUserID
			ep.RecallPlatform = p.Platform
			ep.Email = p.Email
			ep.IsHost = p.IsHost
		}
		out = append(out, ep)
	}
	return out
}
