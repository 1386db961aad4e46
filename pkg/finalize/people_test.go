package finalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/client"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

func TestNormalizeName_StripPronouns(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Sara Weisman (she/her)", "Sara Weisman"},
		{"Mark Van Horn (he/him)", "Mark Van Horn"},
		{"Alex Johnson (They/Them)", "Alex Johnson"},
		{"Pat Smith (she/they)", "Pat Smith"},
		{"James Brown", "James Brown"},
		{"  John Doe  ", "John Doe"},
		{"", ""},
		{"(she/her)", ""},
		{"Name (with) parens", "Name (with) parens"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizeName(tc.input))
		})
	}
}

func TestParticipantMatcher(t *testing.T) {
	participants := []store.Participant{
		{ID: "1", Name: "Sara Weisman (she/her)", PlatformUserID: "zc-1"},
		{ID: "2", Name: "Hrishikesh Varma"},
		{ID: "3", Name: "ÅSA Berg"},
	}
	m := NewParticipantMatcher(participants)

	tests := []struct {
		name   string
		wantID string
		want   MatchType
	}{
		{"sara weisman", "1", MatchTypeExact},
		{"Sara", "1", MatchTypeFuzzy},
		{"Hrishikesh Varma Jr", "2", MatchTypeFuzzy},
		{"åsa berg", "3", MatchTypeExact},
		{"Nobody", "", MatchTypeNone},
		{"", "", MatchTypeNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, mt := m.Match(tt.name)
			assert.Equal(t, tt.want, mt)
			if tt.wantID == "" {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, tt.wantID, p.ID)
		})
	}
}

func TestMergePeople(t *testing.T) {
	participants := []store.Participant{
		{ID: "p1", Name: "Ann Lee", IsHost: true, Platform: "zoom", Email: "ann@example.com", PlatformUserID: "zc-ann"},
	}
	people := []client.Person{
		{PersonKey: "ann", PersonName: "Ann", Role: "PM"},
		{PersonKey: "bo", PersonName: "Bo Diaz"},
	}

	got := MergePeople(participants, people)
	require.Len(t, got, 2)
	assert.Equal(t, client.EnrichedPerson{
		PersonKey:           "ann",
		PersonName:          "Ann",
		Role:                "PM",
		RecallParticipantID: "zc-ann",
		RecallPlatform:      "zoom",
		Email:               "ann@example.com",
		IsHost:              true,
	}, got[0])
	assert.Equal(t, client.EnrichedPerson{PersonKey: "bo", PersonName: "Bo Diaz"}, got[1])

	assert.Empty(t, MergePeople(nil, nil))
}
