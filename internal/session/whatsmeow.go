package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zerologAdapter satisfies whatsmeow's waLog.Logger by forwarding to a
// zerolog.Logger, the same shape as the teacher's whatsappLogger but with
// structured fields instead of a package-global "log" call.
type zerologAdapter struct {
	log zerolog.Logger
}

func (a zerologAdapter) Errorf(msg string, args ...interface{}) { a.log.Error().Msgf(msg, args...) }
func (a zerologAdapter) Warnf(msg string, args ...interface{})  { a.log.Warn().Msgf(msg, args...) }
func (a zerologAdapter) Infof(msg string, args ...interface{})  { a.log.Info().Msgf(msg, args...) }
func (a zerologAdapter) Debugf(msg string, args ...interface{}) { a.log.Debug().Msgf(msg, args...) }
func (a zerologAdapter) Sub(module string) waLog.Logger {
	return zerologAdapter{log: a.log.With().Str("module", module).Logger()}
}

// WhatsmeowDialer implements Dialer on top of go.mau.fi/whatsmeow for one
// Identity. Each slot gets its own SQLite-backed device store under
// SessionDir, named after the handle with non-digits stripped, matching
// spec.md §6's on-disk session store layout.
type WhatsmeowDialer struct {
	SessionDir     string
	Handle         string
	Log            zerolog.Logger
	BlockPredicate BlockPredicate
}

// NewWhatsmeowDialer builds a Dialer scoped to one Identity handle.
func NewWhatsmeowDialer(sessionDir, handle string, log zerolog.Logger) *WhatsmeowDialer {
	return &WhatsmeowDialer{SessionDir: sessionDir, Handle: handle, Log: log}
}

// dbPathFor returns the per-(identity,slot) SQLite file path.
func (d *WhatsmeowDialer) dbPathFor(slot int) string {
	stripped := stripNonDigits(d.Handle)
	return filepath.Join(d.SessionDir, fmt.Sprintf("%s.slot%d.db", stripped, slot))
}

func stripNonDigits(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Dial opens (or creates) the device store for this slot and connects. A
// nil credential with no existing device triggers the QR pairing path and
// returns ConnectPairingPending; the caller is expected to retry Dial once
// pairing completes and the device store has been persisted.
func (d *WhatsmeowDialer) Dial(ctx context.Context, slot int, credential []byte, proxyAddr string) (Connection, ConnectResult) {
	dbPath := d.dbPathFor(slot)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, ConnectResult{Outcome: ConnectError, Err: fmt.Errorf("create session dir: %w", err)}
	}

	logger := zerologAdapter{log: d.Log}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", logger)
	if err != nil {
		return nil, ConnectResult{Outcome: ConnectError, Err: fmt.Errorf("open session store: %w", err)}
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, ConnectResult{Outcome: ConnectError, Err: fmt.Errorf("load device: %w", err)}
	}

	client := whatsmeow.NewClient(deviceStore, logger)
	if proxyAddr != "" {
		_ = client.SetProxyAddress(proxyAddr)
	}

	predicate := d.BlockPredicate
	if predicate == nil {
		predicate = DefaultBlockPredicate
	}
	conn := &whatsmeowConnection{client: client, events: make(chan Event, 64), blockPredicate: predicate}

	if client.Store.ID == nil {
		// No prior pairing: surface the QR channel so the caller can render
		// it and hold the connection open until pairing completes.
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return nil, ConnectResult{Outcome: ConnectError, Err: fmt.Errorf("connect for pairing: %w", err)}
		}
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				return conn, ConnectResult{Outcome: ConnectPairingPending, QRCode: evt.Code}
			case "timeout":
				return nil, ConnectResult{Outcome: ConnectTimeout, Err: fmt.Errorf("qr code timed out")}
			case "success":
				return conn, ConnectResult{Outcome: ConnectConnected}
			}
		}
		return nil, ConnectResult{Outcome: ConnectError, Err: fmt.Errorf("qr channel closed unexpectedly")}
	}

	client.AddEventHandler(conn.handleEvent)
	if err := client.Connect(); err != nil {
		return nil, ConnectResult{Outcome: ConnectError, Err: fmt.Errorf("connect: %w", err)}
	}
	return conn, ConnectResult{Outcome: ConnectConnected}
}

// RenderQR prints a QR code to the operator terminal, exactly the way the
// teacher's SetupWhatsApp does.
func RenderQR(code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
}

// whatsmeowConnection adapts *whatsmeow.Client to the Connection interface.
type whatsmeowConnection struct {
	client         *whatsmeow.Client
	events         chan Event
	blockPredicate BlockPredicate
}

func (c *whatsmeowConnection) Subscribe() <-chan Event { return c.events }

func (c *whatsmeowConnection) Send(ctx context.Context, recipient, body string) SendResult {
	if recipient == "" && body == "" {
		// Presence probe: no recipient, keep the connection warm.
		if err := c.client.SendPresence(ctx, types.PresenceAvailable); err != nil {
			return SendResult{Outcome: SendTempBlocked, Kind: KindTransportError, Err: err}
		}
		return SendResult{Outcome: SendOK}
	}

	jid, err := types.ParseJID(recipient)
	if err != nil {
		return SendResult{Outcome: SendPermFailed, Kind: KindInvalidRecipient, Err: err}
	}

	msg := &waProto.Message{Conversation: &body}
	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		kind := c.blockPredicate(err.Error())
		switch kind {
		case KindPermanentlyBlocked:
			return SendResult{Outcome: SendPermFailed, Kind: kind, Err: err}
		case KindTempBlocked:
			return SendResult{Outcome: SendTempBlocked, Kind: kind, Err: err}
		default:
			return SendResult{Outcome: SendTempBlocked, Kind: KindTransportError, Err: err}
		}
	}
	return SendResult{Outcome: SendOK, MessageID: resp.ID}
}

func (c *whatsmeowConnection) Close() error {
	c.client.Disconnect()
	close(c.events)
	return nil
}

// handleEvent translates whatsmeow's event callbacks into our tagged
// variant, per spec.md §9's "Coroutine-style callbacks" note.
func (c *whatsmeowConnection) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.publish(Event{Kind: EventConnected})
	case *events.Disconnected:
		c.publish(Event{Kind: EventDisconnected})
	case *events.LoggedOut:
		c.publish(Event{Kind: EventLoggedOut})
	case *events.KeepAliveTimeout:
		c.publish(Event{Kind: EventKeepAliveTimeout})
	case *events.KeepAliveRestored:
		c.publish(Event{Kind: EventKeepAliveRestored})
	case *events.Receipt:
		c.publish(Event{Kind: EventReceipt, ReceiptKind: string(v.Type), MessageID: firstOrEmpty(v.MessageIDs)})
	}
}

func firstOrEmpty(ids []types.MessageID) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func (c *whatsmeowConnection) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

