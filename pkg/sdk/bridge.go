package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// BridgePath is the websocket endpoint the SDK host connects to.
const BridgePath = "/sdk"

const writeTimeout = 5 * time.Second

// Bridge is a local websocket endpoint for the SDK host process. It receives
// events and sends recording commands back over the most recent connection.
type Bridge struct {
	upgrader websocket.Upgrader
	events   chan Event
	logger   logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewBridge creates a Bridge whose events channel holds up to buffer events.
func NewBridge(buffer int, logger logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Bridge{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		events: make(chan Event, buffer),
		logger: logger.With(logging.F("component", "sdk_bridge")),
	}
}

// Events returns the channel incoming SDK events are delivered on.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Connected reports whether an SDK host is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// ServeHTTP upgrades the request and reads events until the connection closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("SDK bridge upgrade failed", logging.Err(err))
		return
	}

	b.mu.Lock()
	prev := b.conn
	b.conn = conn
	b.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	b.logger.Info("SDK host connected", logging.F("remote", r.RemoteAddr))

	b.readLoop(r.Context(), conn)

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Info("SDK host disconnected")
			} else {
				b.logger.Warn("SDK bridge read failed", logging.Err(err))
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			b.logger.Warn("Skipping malformed SDK event", logging.Err(err))
			continue
		}
		if err := ev.Validate(); err != nil {
			b.logger.Warn("Skipping invalid SDK event", logging.Err(err))
			continue
		}
		select {
		case b.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// StartRecording asks the SDK to start recording sessionID.
func (b *Bridge) StartRecording(ctx context.Context, sessionID, uploadToken string) error {
	return b.send(ctx, Command{Type: CommandStartRecording, SessionID: sessionID, UploadToken: uploadToken})
}

// StopRecording asks the SDK to stop recording sessionID.
func (b *Bridge) StopRecording(ctx context.Context, sessionID string) error {
	return b.send(ctx, Command{Type: CommandStopRecording, SessionID: sessionID})
}

func (b *Bridge) send(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sdk host not connected: %w", pferrors.ErrInvalidState)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("sending %s: %w", cmd.Type, err)
	}
	b.logger.Debug("Sent SDK command", logging.F("type", cmd.Type), logging.F("session_id", cmd.SessionID))
	return nil
}

// ListenAndServe serves the bridge on addr until ctx is cancelled.
func (b *Bridge) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve serves the bridge on ln until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(BridgePath, b)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("SDK bridge listening", logging.F("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.mu.Lock()
		if b.conn != nil {
			_ = b.conn.Close()
		}
		b.mu.Unlock()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
