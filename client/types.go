package client

import "encoding/json"

// UserContext is the signed-in user's default workspace.
type UserContext struct {
	DefaultAccountID string `json:"default_account_id"`
	DefaultProjectID string `json:"default_project_id"`
}

// CreateInterviewRequest creates the backend interview for a meeting.
type CreateInterviewRequest struct {
	AccountID        string `json:"account_id"`
	ProjectID        string `json:"project_id"`
	Title            string `json:"title"`
	Platform         string `json:"platform"`
	DesktopMeetingID string `json:"desktop_meeting_id"`
}

// CreateInterviewResponse is the created (or reused) interview.
type CreateInterviewResponse struct {
	Success     bool   `json:"success"`
	InterviewID string `json:"interview_id"`
	Action      string `json:"action"`
}

type uploadTokenRequest struct {
	AccountID string `json:"account_id"`
	ProjectID string `json:"project_id"`
}

type uploadTokenResponse struct {
	UploadToken string `json:"upload_token"`
}

// Utterance is one transcript turn sent for evidence extraction.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// EvidenceRequest asks the backend to extract evidence from a batch of turns.
type EvidenceRequest struct {
	Utterances       []Utterance `json:"utterances"`
	ExistingEvidence []string    `json:"existingEvidence"`
	SessionID        string      `json:"sessionId"`
	BatchIndex       int         `json:"batchIndex"`
	InterviewID      string      `json:"interviewId,omitempty"`
}

// Evidence actions.
const (
	ActionNew    = "new"
	ActionUpdate = "update"
)

// Evidence is one extracted evidence item.
type Evidence struct {
	Gist          string          `json:"gist"`
	SpeakerLabel  string          `json:"speaker_label,omitempty"`
	Verbatim      string          `json:"verbatim,omitempty"`
	FacetMentions json.RawMessage `json:"facet_mentions,omitempty"`
	Action        string          `json:"action,omitempty"`
	UpdatesGist   string          `json:"updates_gist,omitempty"`
}

// Task is an action item extracted from the conversation.
type Task struct {
	Text     string `json:"text"`
	Assignee string `json:"assignee,omitempty"`
	Due      string `json:"due,omitempty"`
}

// Person is someone mentioned or speaking in the conversation.
type Person struct {
	PersonKey  string `json:"person_key"`
	PersonName string `json:"person_name"`
	Role       string `json:"role,omitempty"`
}

// EvidenceResponse is the result of one extraction batch.
type EvidenceResponse struct {
	Evidence         []Evidence `json:"evidence"`
	Tasks            []Task     `json:"tasks"`
	People           []Person   `json:"people"`
	SavedEvidenceIDs []string   `json:"savedEvidenceIds"`
}

// EnrichedPerson is a Person merged with the participant identity seen by the SDK.
type EnrichedPerson struct {
	PersonKey           string `json:"person_key"`
	PersonName          string `json:"person_name"`
	Role                string `json:"role,omitempty"`
	RecallParticipantID string `json:"recall_participant_id,omitempty"`
	RecallPlatform      string `json:"recall_platform,omitempty"`
	Email               string `json:"email,omitempty"`
	IsHost              bool   `json:"is_host,omitempty"`
}

// ResolvePeopleRequest maps people to workspace person records.
type ResolvePeopleRequest struct {
	AccountID string           `json:"accountId"`
	ProjectID string           `json:"projectId"`
	People    []EnrichedPerson `json:"people"`
}

// ResolvedPerson links a person key to a person record.
type ResolvedPerson struct {
	PersonKey string `json:"person_key"`
	PersonID  string `json:"person_id"`
	MatchedBy string `json:"matched_by"`
}

// ResolvePeopleResponse is the people resolution result.
type ResolvePeopleResponse struct {
	Resolved []ResolvedPerson `json:"resolved"`
	Errors   json.RawMessage  `json:"errors,omitempty"`
}

// PersonMapping is one entry of the finalize people map.
type PersonMapping struct {
	PersonKey string `json:"person_key"`
	PersonID  string `json:"person_id"`
}

// FinalizeUtterance is a transcript turn in the finalize payload.
type FinalizeUtterance struct {
	Speaker     string `json:"speaker"`
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
}

// FinalizeRequest completes an interview after recording ends.
type FinalizeRequest struct {
	InterviewID     string              `json:"interview_id"`
	Transcript      []FinalizeUtterance `json:"transcript"`
	Tasks           []Task              `json:"tasks"`
	People          []EnrichedPerson    `json:"people"`
	PeopleMap       []PersonMapping     `json:"people_map"`
	DurationSeconds *int64              `json:"duration_seconds,omitempty"`
	Platform        string              `json:"platform,omitempty"`
	MeetingTitle    string              `json:"meeting_title,omitempty"`
}

// FinalizeResponse is the finalize result.
type FinalizeResponse struct {
	Success bool `json:"success"`
}

// MediaUploadRequest asks for a presigned media upload target.
type MediaUploadRequest struct {
	InterviewID string `json:"interview_id"`
	FileName    string `json:"file_name"`
	FileType    string `json:"file_type"`
	FileSize    int64  `json:"file_size"`
}

// MediaUploadTarget is where to PUT the media bytes.
type MediaUploadTarget struct {
	UploadURL string `json:"upload_url"`
	ObjectKey string `json:"r2_key"`
}

// ConfirmUploadRequest attaches an uploaded object to the interview.
type ConfirmUploadRequest struct {
	Action      string `json:"action"`
	InterviewID string `json:"interview_id"`
	ObjectKey   string `json:"r2_key"`
	FileSize    int64  `json:"file_size"`
	FileType    string `json:"file_type"`
}
