package smtpcapture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/pulsarmail/pulsar/db"
	"github.com/pulsarmail/pulsar/helpers"
	"github.com/pulsarmail/pulsar/logger"
	"github.com/pulsarmail/pulsar/pkg/metrics"
)

// Session is one connection's pass through the capture state machine:
// Connected -> Authenticating -> Authenticated -> ReceivingPayload ->
// Complete | Failed. The authenticated username is the session's identity
// and is immutable once set.
type Session struct {
	backend   *Backend
	conn      *smtp.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	id        string
	startTime time.Time

	username string // set exactly once, on successful AUTH
	from     string
	rcpts    []string
}

// AuthMechanisms advertises the supported SASL mechanisms.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Auth returns a SASL server for the requested mechanism. Any credential
// pair is accepted; only an empty username is rejected, because the username
// names the mailbox the message will be filed into.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.authenticate(username)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.authenticate(username)
		}), nil
	default:
		return nil, &smtp.SMTPError{
			Code:         504,
			EnhancedCode: smtp.EnhancedCode{5, 7, 4},
			Message:      "Unsupported authentication mechanism",
		}
	}
}

func (s *Session) authenticate(username string) error {
	if username == "" {
		metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
		logger.Debug("authentication rejected, empty username", "id", s.id)
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Credentials required: the username selects the target mailbox",
		}
	}
	if s.username != "" && s.username != username {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Session already authenticated",
		}
	}

	s.username = username
	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()
	logger.Info("session authenticated", "id", s.id, "username", username)
	return nil
}

// requireAuth gates the mail transaction on a completed AUTH.
func (s *Session) requireAuth() error {
	if s.username == "" {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	return nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	s.from = from
	logger.Debug("mail from accepted", "id", s.id, "from", from)
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	s.rcpts = append(s.rcpts, to)
	logger.Debug("recipient accepted", "id", s.id, "to", to)
	return nil
}

// Data receives the fully framed payload, decodes it and persists the
// message. Any decode or persistence failure rejects the whole message;
// nothing is ever partially stored.
func (s *Session) Data(r io.Reader) error {
	if err := s.requireAuth(); err != nil {
		return err
	}

	start := time.Now()

	var buf bytes.Buffer
	reader := r
	if s.backend.maxMessageSize > 0 {
		// One extra byte to detect an oversized payload.
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues("failure").Inc()
		return s.internalError("failed to read message: %v", err)
	}
	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		metrics.MessagesReceivedTotal.WithLabelValues("failure").Inc()
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("Message exceeds maximum size of %d bytes", s.backend.maxMessageSize),
		}
	}

	raw := buf.Bytes()
	metrics.MessageSizeBytes.Observe(float64(len(raw)))
	logger.Debug("payload received",
		"id", s.id,
		"bytes", len(raw),
		"content_hash", helpers.HashContent(raw),
	)

	parsed, err := helpers.ParseMessage(raw)
	if err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues("failure").Inc()
		logger.Warn("rejecting undecodable message", "id", s.id, "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message rejected: content could not be decoded",
		}
	}

	data := &db.MessageData{
		MessageRef:  parsed.MessageID,
		From:        envelopeFallback(parsed.From, s.from),
		To:          envelopeFallback(parsed.To, strings.Join(s.rcpts, ", ")),
		Subject:     parsed.Subject,
		TextBody:    parsed.TextBody,
		HTMLBody:    parsed.HTMLBody,
		HeadersJSON: parsed.HeadersJSON(),
		RawSource:   raw,
		Attachments: make([]db.AttachmentData, 0, len(parsed.Attachments)),
	}
	for _, att := range parsed.Attachments {
		data.Attachments = append(data.Attachments, db.AttachmentData{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
			Content:     att.Content,
		})
	}

	delivered, err := s.backend.store.DeliverMessage(s.ctx, s.username, data)
	if err != nil {
		metrics.MessagesReceivedTotal.WithLabelValues("failure").Inc()
		logger.Error("delivery failed", "id", s.id, "username", s.username, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Message could not be stored",
		}
	}

	metrics.MessagesReceivedTotal.WithLabelValues("success").Inc()
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	s.backend.notifier.NewMessage(s.ctx, delivered.MailboxID, delivered.MessageID, data.From, parsed.Subject)

	logger.Info("message captured",
		"id", s.id,
		"mailbox_id", delivered.MailboxID,
		"message_id", delivered.MessageID,
		"bytes", len(raw),
	)
	return nil
}

// Reset clears the mail transaction; the authenticated identity survives.
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *Session) Logout() error {
	s.cancel()
	s.backend.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.Dec()
	logger.Debug("session closed",
		"id", s.id,
		"duration", time.Since(s.startTime).Round(time.Millisecond).String(),
	)
	return nil
}

func (s *Session) internalError(format string, args ...any) error {
	logger.Error(fmt.Sprintf(format, args...), "id", s.id)
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 4, 0},
		Message:      "Internal server error",
	}
}

// envelopeFallback prefers the decoded header value but falls back to the
// protocol envelope when the header is absent.
func envelopeFallback(header, envelope string) string {
	if header != "" {
		return header
	}
	return envelope
}
