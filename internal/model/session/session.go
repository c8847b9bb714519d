package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"
)

// ErrNotConnected is reported by a Client when an operation needs a live
// transport but the underlying websocket has closed. The pairing flow retries
// once on it.
var ErrNotConnected = errors.New("protocol client not connected")

// Kind distinguishes the two authentication flows.
type Kind string

const (
	KindQR   Kind = "qr"
	KindPair Kind = "pair"
)

// State tracks where a session is in its lifecycle.
type State string

const (
	StateStarting   State = "starting"
	StateWaiting    State = "waiting_for_qr_or_code"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateFinalizing State = "finalizing"
	StateTerminated State = "terminated"
)

// EventType names one discrete protocol-client signal.
type EventType string

const (
	EventCredsSaved EventType = "credentials-updated"
	EventConnecting EventType = "connecting"
	EventQR         EventType = "qr-issued"
	EventOpened     EventType = "opened"
	EventClosed     EventType = "closed"
)

// Event is a protocol-client signal routed through the lifecycle dispatcher.
type Event struct {
	Type EventType
	// Code carries a QR payload or pairing code where the type has one.
	Code string
	// LoggedOut marks a closure caused by an intentional logout rather than
	// a reconnect-eligible drop.
	LoggedOut bool
}

// QRItem mirrors one emission from the client's QR channel.
type QRItem struct {
	Event string
	Code  string
}

// Client is the narrow slice of the protocol client the lifecycle needs.
// The real implementation wraps whatsmeow; tests substitute fakes.
type Client interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	IsConnected() bool
	WaitForConnection(timeout time.Duration) bool
	QRChannel(ctx context.Context) (<-chan QRItem, error)
	PairPhone(ctx context.Context, phone string) (string, error)
	SendText(ctx context.Context, to types.JID, text string) error
	OwnJID() (types.JID, bool)
	Subscribe(sink func(Event))
}

// Session captures one in-flight device authentication attempt.
type Session struct {
	ID        string
	Kind      Kind
	AuthDir   string
	Phone     string
	Client    Client
	CreatedAt time.Time

	mu            sync.Mutex
	state         State
	credsSaved    bool
	idleTimer     *time.Timer
	lastEventName string
	lastEventData any
}

// New builds a session in the starting state.
func New(id string, kind Kind, authDir, phone string, client Client) *Session {
	return &Session{
		ID:        id,
		Kind:      kind,
		AuthDir:   authDir,
		Phone:     phone,
		Client:    client,
		CreatedAt: time.Now().UTC(),
		state:     StateStarting,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to the given state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// MarkOpened transitions to the open state exactly once. It returns false if
// the session already opened or is past the point where opening matters, so
// duplicate connection-open signals cannot trigger a second token delivery.
func (s *Session) MarkOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen, StateFinalizing, StateTerminated:
		return false
	}
	s.state = StateOpen
	return true
}

// CredsSaved reports whether the protocol client has persisted at least one
// credential update.
func (s *Session) CredsSaved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credsSaved
}

// MarkCredsSaved records the false-to-true credential transition.
func (s *Session) MarkCredsSaved() {
	s.mu.Lock()
	s.credsSaved = true
	s.mu.Unlock()
}

// SetLastEvent remembers the most recent QR or pairing-code event so a
// stream attaching after issuance can still be brought up to date.
func (s *Session) SetLastEvent(name string, data any) {
	s.mu.Lock()
	s.lastEventName = name
	s.lastEventData = data
	s.mu.Unlock()
}

// LastEvent returns the most recent QR or pairing-code event, if any.
func (s *Session) LastEvent() (string, any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventName, s.lastEventData, s.lastEventName != ""
}

// SwapIdleTimer installs a new idle timer and returns the previous one, if
// any, so the caller can stop it.
func (s *Session) SwapIdleTimer(t *time.Timer) *time.Timer {
	s.mu.Lock()
	old := s.idleTimer
	s.idleTimer = t
	s.mu.Unlock()
	return old
}

// StopIdleTimer cancels any pending idle timeout.
func (s *Session) StopIdleTimer() {
	s.mu.Lock()
	t := s.idleTimer
	s.idleTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}
