package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var platformNames = map[string]string{
	"zoom":            "Zoom",
	"teams":           "Microsoft Teams",
	"microsoft-teams": "Microsoft Teams",
	"google-meet":     "Google Meet",
	"meet":            "Google Meet",
	"webex":           "Webex",
	"slack":           "Slack",
}

var titleCaser = cases.Title(language.English)

// PlatformName returns a display name for an SDK platform id.
func PlatformName(platform string) string {
	key := strings.ToLower(strings.TrimSpace(platform))
	if name, ok := platformNames[key]; ok {
		return name
	}
	if key == "" {
		return "Meeting"
	}
	return titleCaser.String(strings.NewReplacer("-", " ", "_", " ").Replace(key))
}

// MeetingTitle returns title, or "<Platform> Meeting - HH:MM" when it is blank.
func MeetingTitle(title, platform string, at time.Time) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	name := PlatformName(platform)
	if name == "Meeting" {
		return fmt.Sprintf("Meeting - %s", at.Format("15:04"))
	}
	return fmt.Sprintf("%s Meeting - %s", name, at.Format("15:04"))
}

const inProgressLine = "Recording: In Progress..."

// initialContent is the note body of a freshly joined meeting.
func initialContent(title string) string {
	return "# " + title + "\n" + inProgressLine
}

// completedContent marks the recording line of content as completed.
func completedContent(content string, at time.Time) string {
	done := fmt.Sprintf("Recording: Completed at %s\n", at.Format("1/2/2006, 3:04:05 PM"))
	if !strings.Contains(content, inProgressLine) {
		return content
	}
	return strings.Replace(content, inProgressLine, done, 1)
}
