package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/types"

	"github.com/silabot/sila/internal/model/session"
	"github.com/silabot/sila/internal/service/broker"
	"github.com/silabot/sila/internal/service/registry"
	"github.com/silabot/sila/internal/service/token"
	"github.com/silabot/sila/pkg/qrimg"
)

var (
	ErrTransportNotReady = errors.New("transport not ready within wait window")
	ErrNoQRIssued        = errors.New("no qr code issued")
)

// ClientFactory opens one protocol client persisting its credentials under
// authDir.
type ClientFactory func(ctx context.Context, authDir string) (session.Client, error)

// Options tunes the lifecycle timers. Zero values take the defaults below.
type Options struct {
	AuthRoot       string
	IdleTimeout    time.Duration
	CredsWait      time.Duration
	CredsPoll      time.Duration
	TransportWait  time.Duration
	DeliverTimeout time.Duration
	QRTerminal     bool
}

const (
	defaultIdleTimeout    = 5 * time.Minute
	defaultCredsWait      = 3 * time.Second
	defaultCredsPoll      = 100 * time.Millisecond
	defaultTransportWait  = 5 * time.Second
	defaultDeliverTimeout = 15 * time.Second
)

// Controller orchestrates session creation, finalization and forced clearing,
// composing the registry, broker, watchdog and credential packaging.
type Controller struct {
	store     *registry.Store
	events    *broker.Broker
	newClient ClientFactory
	opts      Options
}

// New wires a controller over the given store and event broker.
func New(store *registry.Store, events *broker.Broker, factory ClientFactory, opts Options) *Controller {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.CredsWait <= 0 {
		opts.CredsWait = defaultCredsWait
	}
	if opts.CredsPoll <= 0 {
		opts.CredsPoll = defaultCredsPoll
	}
	if opts.TransportWait <= 0 {
		opts.TransportWait = defaultTransportWait
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = defaultDeliverTimeout
	}
	return &Controller{store: store, events: events, newClient: factory, opts: opts}
}

// Lookup resolves a session by id.
func (c *Controller) Lookup(id string) (*session.Session, bool) {
	return c.store.Get(id)
}

// Create allocates a session id and credential directory, opens a protocol
// client persisting into it, registers the session and arms the idle
// watchdog. For pairing sessions any pre-existing session for the same phone
// is forcibly cleared before the new one becomes resolvable.
func (c *Controller) Create(ctx context.Context, kind session.Kind, phone string) (*session.Session, error) {
	id := uuid.NewString()
	authDir := filepath.Join(c.opts.AuthRoot, id)

	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	client, err := c.newClient(ctx, authDir)
	if err != nil {
		token.CleanDir(authDir)
		return nil, fmt.Errorf("open protocol client: %w", err)
	}

	if phone != "" {
		if oldID, ok := c.store.ActiveSession(phone); ok {
			log.Printf("[lifecycle] superseding session %s for phone %s", oldID, phone)
			c.Clear(oldID)
		}
	}

	sess := session.New(id, kind, authDir, phone, client)
	c.store.Register(sess)
	if phone != "" {
		c.store.SetActive(phone, id)
	}

	client.Subscribe(func(evt session.Event) {
		c.Dispatch(id, evt)
	})
	c.Touch(id)

	return sess, nil
}

// Touch re-arms the idle watchdog for the session; every observed activity
// signal strictly extends the deadline.
func (c *Controller) Touch(id string) {
	sess, ok := c.store.Get(id)
	if !ok {
		return
	}
	t := time.AfterFunc(c.opts.IdleTimeout, func() { c.expire(id) })
	if old := sess.SwapIdleTimer(t); old != nil {
		old.Stop()
	}
}

// expire is the watchdog's firing path. A session removed between arming and
// firing is a no-op.
func (c *Controller) expire(id string) {
	if _, ok := c.store.Get(id); !ok {
		return
	}
	log.Printf("[lifecycle] session %s idle timeout", id)
	c.events.Publish(id, "status", "idle_timeout")
	c.events.Finish(id, "idle_timeout")
	c.Clear(id)
}

// Dispatch is the single entry point for protocol-client signals. Signals for
// a session already removed from the registry are dropped.
func (c *Controller) Dispatch(id string, evt session.Event) {
	sess, ok := c.store.Get(id)
	if !ok {
		return
	}
	c.Touch(id)

	switch evt.Type {
	case session.EventCredsSaved:
		sess.MarkCredsSaved()
	case session.EventConnecting:
		sess.SetState(session.StateConnecting)
	case session.EventQR:
		// QR payloads reach observers through the flow's own channel.
	case session.EventOpened:
		if sess.MarkOpened() {
			go c.deliver(sess)
		}
	case session.EventClosed:
		if evt.LoggedOut {
			log.Printf("[lifecycle] session %s connection closed by logout", id)
		} else {
			log.Printf("[lifecycle] session %s connection closed, reconnect-eligible", id)
		}
	}
}

// deliver runs once per session on the first connection-open signal: it
// resolves the recipient, packages the credential directory into a token,
// sends the token over the fresh connection and finalizes the session.
func (c *Controller) deliver(sess *session.Session) {
	c.events.Publish(sess.ID, "status", "connected")

	recipient, ok := c.recipient(sess)
	if !ok {
		log.Printf("[lifecycle] session %s has no resolvable recipient", sess.ID)
		c.events.Publish(sess.ID, "status", "no_jid")
		c.Finalize(sess.ID, "no_jid")
		return
	}

	tok, err := token.Encode(sess.AuthDir)
	if err != nil {
		log.Printf("[lifecycle] session %s token encode failed: %v", sess.ID, err)
		c.events.Publish(sess.ID, "status", "token_failed")
		c.Finalize(sess.ID, "token_failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DeliverTimeout)
	defer cancel()

	status := "token_sent"
	if err := sess.Client.SendText(ctx, recipient, tok); err != nil {
		log.Printf("[lifecycle] session %s token delivery failed: %v", sess.ID, err)
		status = "token_failed"
	}
	c.events.Publish(sess.ID, "status", status)
	c.Finalize(sess.ID, status)
}

func (c *Controller) recipient(sess *session.Session) (types.JID, bool) {
	if sess.Kind == session.KindPair && sess.Phone != "" {
		return types.NewJID(sess.Phone, types.DefaultUserServer), true
	}
	return sess.Client.OwnJID()
}

// Finalize is the success path. It waits, bounded, for the credential-saved
// flag before tearing anything down, then logs out, removes the credential
// directory, emits the terminal finished event and deregisters the session.
func (c *Controller) Finalize(id, reason string) {
	sess, ok := c.store.Get(id)
	if !ok {
		return
	}
	sess.SetState(session.StateFinalizing)

	deadline := time.Now().Add(c.opts.CredsWait)
	for !sess.CredsSaved() && time.Now().Before(deadline) {
		time.Sleep(c.opts.CredsPoll)
		// Re-check after every sleep: a supersession or idle expiry may have
		// removed the session while we were waiting.
		if _, ok := c.store.Get(id); !ok {
			return
		}
	}
	if !sess.CredsSaved() {
		log.Printf("[lifecycle] session %s finalizing without observed credential save", id)
	}

	sess.StopIdleTimer()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.TransportWait)
	if err := sess.Client.Logout(ctx); err != nil {
		log.Printf("[lifecycle] session %s logout failed: %v", id, err)
	}
	cancel()
	sess.Client.Disconnect()

	token.CleanDir(sess.AuthDir)
	c.events.Finish(id, reason)

	if sess.Phone != "" {
		c.store.ClearActive(sess.Phone, id)
	}
	c.store.Remove(id)
	sess.SetState(session.StateTerminated)
}

// Clear is the forced path used by the idle watchdog and phone supersession.
// It does not wait on the credential flag and removes the credential
// directory in the background.
func (c *Controller) Clear(id string) {
	sess, ok := c.store.Get(id)
	if !ok {
		return
	}

	sess.StopIdleTimer()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := sess.Client.Logout(ctx); err != nil {
		log.Printf("[lifecycle] session %s logout failed during clear: %v", id, err)
	}
	cancel()
	sess.Client.Disconnect()

	go token.CleanDir(sess.AuthDir)

	if sess.Phone != "" {
		c.store.ClearActive(sess.Phone, id)
	}
	c.store.Remove(id)
	sess.SetState(session.StateTerminated)
}

type qrResult struct {
	img string
	err error
}

// StartQR creates a QR-flow session, connects it and blocks until the first
// QR code is rendered (or ctx ends). Later QR refreshes keep flowing to the
// session's event stream.
func (c *Controller) StartQR(ctx context.Context) (*session.Session, string, error) {
	sess, err := c.Create(ctx, session.KindQR, "")
	if err != nil {
		return nil, "", err
	}

	qrCh, err := sess.Client.QRChannel(context.Background())
	if err != nil {
		c.Clear(sess.ID)
		return nil, "", err
	}

	if err := sess.Client.Connect(); err != nil {
		c.Clear(sess.ID)
		return nil, "", fmt.Errorf("connect: %w", err)
	}
	sess.SetState(session.StateWaiting)

	first := make(chan qrResult, 1)
	go c.consumeQR(sess.ID, qrCh, first)

	select {
	case res := <-first:
		if res.err != nil {
			c.Clear(sess.ID)
			return nil, "", res.err
		}
		return sess, res.img, nil
	case <-ctx.Done():
		c.Clear(sess.ID)
		return nil, "", ctx.Err()
	}
}

// consumeQR drains the QR channel for the session's whole life, rendering
// each code and fanning it out. The first rendered code (or render error) is
// reported once on first.
func (c *Controller) consumeQR(id string, qrCh <-chan session.QRItem, first chan<- qrResult) {
	reported := false
	report := func(res qrResult) {
		if !reported {
			reported = true
			first <- res
		}
	}

	for item := range qrCh {
		switch item.Event {
		case "code":
			c.Dispatch(id, session.Event{Type: session.EventQR, Code: item.Code})
			if c.opts.QRTerminal {
				qrimg.PrintTerminal(item.Code, os.Stdout)
			}
			img, err := qrimg.DataURL(item.Code)
			if err != nil {
				log.Printf("[lifecycle] session %s qr render failed: %v", id, err)
				report(qrResult{err: err})
				continue
			}
			report(qrResult{img: img})
			if sess, ok := c.store.Get(id); ok {
				sess.SetLastEvent("qr", img)
			}
			c.events.Publish(id, "qr", img)
		case "success":
			log.Printf("[lifecycle] session %s qr pairing succeeded", id)
		case "timeout":
			log.Printf("[lifecycle] session %s qr channel timed out", id)
		}
	}
	report(qrResult{err: ErrNoQRIssued})
}

// StartPair creates a pairing-flow session for the given phone number and
// requests a pairing code once the transport is ready, retrying exactly once
// if the request raced a transient connection drop.
func (c *Controller) StartPair(ctx context.Context, phone string) (*session.Session, string, error) {
	sess, err := c.Create(ctx, session.KindPair, phone)
	if err != nil {
		return nil, "", err
	}

	if err := sess.Client.Connect(); err != nil {
		c.Clear(sess.ID)
		return nil, "", fmt.Errorf("connect: %w", err)
	}
	sess.SetState(session.StateWaiting)

	if !sess.Client.WaitForConnection(c.opts.TransportWait) {
		c.Clear(sess.ID)
		return nil, "", ErrTransportNotReady
	}

	code, err := sess.Client.PairPhone(ctx, phone)
	if err != nil && errors.Is(err, session.ErrNotConnected) {
		log.Printf("[lifecycle] session %s pairing request hit closed transport, retrying once", sess.ID)
		if sess.Client.WaitForConnection(c.opts.TransportWait) {
			code, err = sess.Client.PairPhone(ctx, phone)
		}
	}
	if err != nil {
		c.Clear(sess.ID)
		return nil, "", fmt.Errorf("request pairing code: %w", err)
	}

	c.Touch(sess.ID)
	sess.SetLastEvent("pair", code)
	c.events.Publish(sess.ID, "pair", code)
	return sess, code, nil
}
