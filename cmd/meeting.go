package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-capture/config"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// Meeting command flags
var (
	meetingOutputFormat string
	meetingLimit        int
	meetingSince        string
	meetingPlatform     string
	meetingTranscript   bool
	meetingYes          bool
)

// NewMeetingsCommand creates the meetings command with its subcommands.
func NewMeetingsCommand(deps *CommandDeps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:     "meetings",
		Aliases: []string{"meeting"},
		Short:   "Inspect captured meetings",
		Long: `Inspect the meetings recorded on this machine.

Meetings are read from meetings.json in the data directory. The agent does
not need to be running.

Examples:
  # List recent meetings
  penf-capture meetings list

  # Show one meeting with its transcript
  penf-capture meetings show meeting-3f2c... --transcript

  # Delete a meeting record
  penf-capture meetings delete meeting-3f2c... --yes`,
	}

	cmd.AddCommand(newMeetingListCommand(deps))
	cmd.AddCommand(newMeetingShowCommand(deps))
	cmd.AddCommand(newMeetingDeleteCommand(deps))
	return cmd
}

// newMeetingListCommand creates the 'meetings list' subcommand.
func newMeetingListCommand(deps *CommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List meetings",
		Long: `List captured meetings, most recent first.

Examples:
  penf-capture meetings list
  penf-capture meetings list --since 2026-05-01 --platform zoom
  penf-capture meetings list -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeetingList(cmd.Context(), cmd.OutOrStdout(), deps)
		},
	}

	cmd.Flags().IntVarP(&meetingLimit, "limit", "l", 50, "Maximum number of results (0 for all)")
	cmd.Flags().StringVar(&meetingSince, "since", "", "Only meetings on or after this date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&meetingPlatform, "platform", "", "Only meetings from this platform")
	cmd.Flags().StringVarP(&meetingOutputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

// newMeetingShowCommand creates the 'meetings show' subcommand.
func newMeetingShowCommand(deps *CommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <meeting-id>",
		Short: "Show a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeetingShow(cmd.Context(), cmd.OutOrStdout(), deps, args[0])
		},
	}
	cmd.Flags().BoolVar(&meetingTranscript, "transcript", false, "Include the transcript in text output")
	cmd.Flags().StringVarP(&meetingOutputFormat, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

// newMeetingDeleteCommand creates the 'meetings delete' subcommand.
func newMeetingDeleteCommand(deps *CommandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <meeting-id>",
		Short: "Delete a meeting record",
		Long: `Delete a meeting record from meetings.json.

The recording and anything already sent to the backend are not affected.
Do not delete a meeting that is still being recorded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMeetingDelete(cmd.Context(), cmd.OutOrStdout(), deps, args[0])
		},
	}
	cmd.Flags().BoolVarP(&meetingYes, "yes", "y", false, "Delete without confirmation")
	return cmd
}

func openStore(deps *CommandDeps) (*config.CaptureConfig, *store.Store, error) {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, store.New(store.Config{Path: cfg.MeetingsFile()}), nil
}

// meetingSummary is the list view of a meeting.
type meetingSummary struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Platform    string    `json:"platform" yaml:"platform"`
	Date        time.Time `json:"date" yaml:"date"`
	Utterances  int       `json:"utterances" yaml:"utterances"`
	Complete    bool      `json:"recording_complete" yaml:"recording_complete"`
	InterviewID string    `json:"interview_id,omitempty" yaml:"interview_id,omitempty"`
	Uploaded    bool      `json:"uploaded" yaml:"uploaded"`
}

func summarize(m *store.MeetingRecord) meetingSummary {
	return meetingSummary{
		ID:          m.ID,
		Title:       m.Title,
		Platform:    m.Platform,
		Date:        m.StartedAt,
		Utterances:  len(m.Transcript),
		Complete:    m.RecordingComplete,
		InterviewID: m.InterviewID,
		Uploaded:    m.MediaObjectKey != "",
	}
}

// parseSince parses YYYY-MM-DD or RFC3339.
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD or RFC3339)", s)
}

func runMeetingList(ctx context.Context, w io.Writer, deps *CommandDeps) error {
	cfg, st, err := openStore(deps)
	if err != nil {
		return err
	}
	defer st.Close()

	format, err := resolveFormat(cfg, meetingOutputFormat)
	if err != nil {
		return err
	}

	var since time.Time
	if meetingSince != "" {
		if since, err = parseSince(meetingSince); err != nil {
			return err
		}
	}

	var out []meetingSummary
	for _, m := range st.Read().PastMeetings {
		if !since.IsZero() && m.StartedAt.Before(since) {
			continue
		}
		if meetingPlatform != "" && !strings.EqualFold(m.Platform, meetingPlatform) {
			continue
		}
		out = append(out, summarize(m))
		if meetingLimit > 0 && len(out) >= meetingLimit {
			break
		}
	}
	if out == nil {
		out = []meetingSummary{}
	}

	if format != config.OutputFormatText {
		return writeStructured(w, format, out)
	}
	return outputMeetingListText(w, out)
}

func outputMeetingListText(w io.Writer, meetings []meetingSummary) error {
	if len(meetings) == 0 {
		fmt.Fprintln(w, "No meetings found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPLATFORM\tDATE\tTURNS\tSTATUS")
	fmt.Fprintln(tw, "--\t-----\t--------\t----\t-----\t------")
	for _, m := range meetings {
		title := m.Title
		if len(title) > 45 {
			title = title[:42] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID, title, m.Platform, m.Date.Local().Format("2006-01-02 15:04"), m.Utterances, meetingStatus(m))
	}
	return tw.Flush()
}

func meetingStatus(m meetingSummary) string {
	switch {
	case !m.Complete:
		return "recording"
	case m.Uploaded:
		return "uploaded"
	case m.InterviewID != "":
		return "finalized"
	default:
		return "local"
	}
}

func runMeetingShow(ctx context.Context, w io.Writer, deps *CommandDeps, id string) error {
	cfg, st, err := openStore(deps)
	if err != nil {
		return err
	}
	defer st.Close()

	format, err := resolveFormat(cfg, meetingOutputFormat)
	if err != nil {
		return err
	}

	m, err := st.Meeting(id)
	if err != nil {
		if pferrors.IsNotFound(err) {
			return fmt.Errorf("meeting not found: %s", id)
		}
		return err
	}
	if format != config.OutputFormatText {
		return writeStructured(w, format, m)
	}

	fmt.Fprintf(w, "Meeting: %s\n", m.Title)
	fmt.Fprintf(w, "  ID:          %s\n", m.ID)
	fmt.Fprintf(w, "  Platform:    %s\n", m.Platform)
	fmt.Fprintf(w, "  Started:     %s\n", m.StartedAt.Local().Format(time.RFC1123))
	if m.RecordingEndedAt != nil {
		fmt.Fprintf(w, "  Ended:       %s (%s)\n", m.RecordingEndedAt.Local().Format(time.RFC1123),
			m.RecordingEndedAt.Sub(m.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "  Status:      %s\n", meetingStatus(summarize(m)))
	if m.InterviewID != "" {
		fmt.Fprintf(w, "  Interview:   %s\n", m.InterviewID)
	}
	if m.MediaReferencePath != "" {
		fmt.Fprintf(w, "  Media:       %s\n", m.MediaReferencePath)
	}

	if len(m.Participants) > 0 {
		fmt.Fprintf(w, "\nParticipants (%d):\n", len(m.Participants))
		for _, p := range m.Participants {
			host := ""
			if p.IsHost {
				host = " (host)"
			}
			fmt.Fprintf(w, "  - %s%s\n", p.Name, host)
		}
	}

	fmt.Fprintf(w, "\nTranscript: %d utterances\n", len(m.Transcript))
	if meetingTranscript {
		for _, u := range m.Transcript {
			fmt.Fprintf(w, "  [%s] %s: %s\n", u.Timestamp.Local().Format("15:04:05"), u.Speaker, u.Text)
		}
	}
	return nil
}

func runMeetingDelete(ctx context.Context, w io.Writer, deps *CommandDeps, id string) error {
	if !meetingYes {
		return fmt.Errorf("refusing to delete %s without --yes", id)
	}
	_, st, err := openStore(deps)
	if err != nil {
		return err
	}
	defer st.Close()

	var removed bool
	err = st.Apply(ctx, func(doc *store.Document) (*store.Document, error) {
		if removed = doc.RemoveMeeting(id); !removed {
			return nil, nil
		}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("deleting meeting: %w", err)
	}
	if !removed {
		return fmt.Errorf("meeting not found: %s", id)
	}
	fmt.Fprintf(w, "Deleted meeting %s\n", id)
	return nil
}
