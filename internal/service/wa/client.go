package wa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/silabot/sila/internal/model/session"
)

// Meow adapts a whatsmeow client to the narrow session.Client contract. Each
// instance owns one connection and persists its credentials into a sqlite
// database inside the session's credential directory.
type Meow struct {
	cli        *whatsmeow.Client
	clientName string
}

var _ session.Client = (*Meow)(nil)

// NewClient opens a per-session credential store under authDir and builds a
// fresh protocol client around it.
func NewClient(ctx context.Context, authDir, clientName string) (*Meow, error) {
	dbPath := filepath.Join(authDir, "session.db")
	dbLog := waLog.Stdout("Database", "WARN", true)

	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load device store: %w", err)
		}
		deviceStore = container.NewDevice()
	}

	clientLog := waLog.Stdout("Client", "WARN", true)
	return &Meow{
		cli:        whatsmeow.NewClient(deviceStore, clientLog),
		clientName: clientName,
	}, nil
}

func (m *Meow) Connect() error {
	return m.cli.Connect()
}

func (m *Meow) Disconnect() {
	m.cli.Disconnect()
}

func (m *Meow) Logout(ctx context.Context) error {
	return m.cli.Logout(ctx)
}

func (m *Meow) IsConnected() bool {
	return m.cli.IsConnected()
}

func (m *Meow) WaitForConnection(timeout time.Duration) bool {
	return m.cli.WaitForConnection(timeout)
}

// QRChannel must be called before Connect; it re-emits the client's QR
// events as plain items so callers stay decoupled from whatsmeow types.
func (m *Meow) QRChannel(ctx context.Context) (<-chan session.QRItem, error) {
	raw, err := m.cli.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open qr channel: %w", err)
	}

	out := make(chan session.QRItem, 8)
	go func() {
		defer close(out)
		for item := range raw {
			out <- session.QRItem{Event: item.Event, Code: item.Code}
		}
	}()
	return out, nil
}

// PairPhone requests a pairing code for the given phone number. A closed
// transport is translated to session.ErrNotConnected so the caller can apply
// its single-retry policy without importing whatsmeow.
func (m *Meow) PairPhone(ctx context.Context, phone string) (string, error) {
	code, err := m.cli.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, m.clientName)
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotConnected) {
			return "", fmt.Errorf("%w: %v", session.ErrNotConnected, err)
		}
		return "", err
	}
	return code, nil
}

func (m *Meow) SendText(ctx context.Context, to types.JID, text string) error {
	_, err := m.cli.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

// OwnJID reports the authenticated account's identity once pairing stored it.
func (m *Meow) OwnJID() (types.JID, bool) {
	id := m.cli.Store.ID
	if id == nil {
		return types.JID{}, false
	}
	return id.ToNonAD(), true
}

// Subscribe routes the protocol client's signals into the sink as discrete
// lifecycle events.
func (m *Meow) Subscribe(sink func(session.Event)) {
	m.cli.AddEventHandler(func(evt any) {
		switch evt.(type) {
		case *events.PairSuccess:
			sink(session.Event{Type: session.EventCredsSaved})
		case *events.Connected:
			sink(session.Event{Type: session.EventOpened})
		case *events.LoggedOut:
			sink(session.Event{Type: session.EventClosed, LoggedOut: true})
		case *events.StreamReplaced:
			sink(session.Event{Type: session.EventClosed})
		case *events.Disconnected:
			sink(session.Event{Type: session.EventClosed})
		}
	})
}

// UserJID builds the personal-chat identity for a bare phone number.
func UserJID(phone string) types.JID {
	return types.NewJID(phone, types.DefaultUserServer)
}
