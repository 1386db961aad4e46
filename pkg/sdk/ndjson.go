package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

const maxLineBytes = 4 << 20

// ReadNDJSON decodes one event per line from r and sends valid events to out.
// Malformed lines are logged and skipped. It returns nil at EOF.
func ReadNDJSON(ctx context.Context, r io.Reader, out chan<- Event, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn("Skipping malformed SDK event", logging.F("line", line), logging.Err(err))
			continue
		}
		if err := ev.Validate(); err != nil {
			logger.Warn("Skipping invalid SDK event", logging.F("line", line), logging.Err(err))
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SDK events: %w", err)
	}
	return nil
}

// LogController logs recording commands instead of sending them. It serves
// event replays where no SDK is attached.
type LogController struct {
	Logger logging.Logger
}

func (c LogController) StartRecording(ctx context.Context, sessionID, uploadToken string) error {
	c.log().Info("Start recording", logging.F("session_id", sessionID), logging.F("with_token", uploadToken != ""))
	return nil
}

func (c LogController) StopRecording(ctx context.Context, sessionID string) error {
	c.log().Info("Stop recording", logging.F("session_id", sessionID))
	return nil
}

func (c LogController) log() logging.Logger {
	if c.Logger == nil {
		return logging.NewNopLogger()
	}
	return c.Logger
}
