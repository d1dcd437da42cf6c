package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxBodySize caps the parsed body text of a single message.
const maxBodySize = 32 * 1024

// maxRawMessageSize caps the raw RFC822 literal buffered per message.
// The rest of the literal is drained to keep the IMAP stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// Message is a parsed inbound email.
type Message struct {
	UID       uint32
	From      string
	FromAddr  string
	Subject   string
	MessageID string
	TextBody  string
	HTMLBody  string
}

// Body returns the best text for the envelope: the plain part when
// present, otherwise text extracted from the HTML part.
func (m *Message) Body() string {
	if m.TextBody != "" {
		return m.TextBody
	}
	if m.HTMLBody != "" {
		return htmlToText(m.HTMLBody)
	}
	return ""
}

// client wraps go-imap/v2 with reconnection and mutex-serialized
// access.
type client struct {
	addr     string
	username string
	password string
	mailbox  string
	logger   *slog.Logger

	mu   sync.Mutex
	imap *imapclient.Client
}

func newIMAPClient(addr, username, password, mailbox string, logger *slog.Logger) *client {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &client{addr: addr, username: username, password: password, mailbox: mailbox, logger: logger}
}

// connectLocked dials and authenticates. Caller must hold c.mu.
func (c *client) connectLocked() error {
	if c.imap != nil {
		_ = c.imap.Close()
		c.imap = nil
	}

	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		host = c.addr
	}
	opts := imapclient.Options{TLSConfig: &tls.Config{ServerName: host}}

	cl, err := imapclient.DialTLS(c.addr, &opts)
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", c.addr, err)
	}
	if err := cl.Login(c.username, c.password).Wait(); err != nil {
		_ = cl.Close()
		return fmt.Errorf("login as %s: %w", c.username, err)
	}

	c.imap = cl
	c.logger.Info("IMAP connected", "server", c.addr, "user", c.username)
	return nil
}

// ensureConnected checks liveness with NOOP and reconnects when stale.
// Caller must hold c.mu.
func (c *client) ensureConnected() error {
	if c.imap != nil {
		if err := c.imap.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "server", c.addr)
	}
	return c.connectLocked()
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.imap == nil {
		return nil
	}
	err := c.imap.Close()
	c.imap = nil
	return err
}

// highestUID returns the UID of the newest message in the mailbox, or
// zero when the mailbox is empty. Used to seed the high-water mark so
// a fresh deployment does not replay the whole inbox.
func (c *client) highestUID(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return 0, err
	}
	sel, err := c.imap.Select(c.mailbox, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("select %s: %w", c.mailbox, err)
	}
	if sel.NumMessages == 0 {
		return 0, nil
	}

	seqSet := imap.SeqSet{}
	seqSet.AddNum(sel.NumMessages)
	msgs, err := c.imap.Fetch(seqSet, &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return 0, fmt.Errorf("fetch newest UID: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return uint32(msgs[0].UID), nil
}

// fetchSince returns parsed messages with UIDs strictly greater than
// sinceUID, oldest first. Bodies are fetched with Peek so polling does
// not mark mail as read.
func (c *client) fetchSince(ctx context.Context, sinceUID uint32) ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if _, err := c.imap.Select(c.mailbox, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", c.mailbox, err)
	}

	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(sinceUID+1), 0)

	fetchOpts := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	}

	fetchCmd := c.imap.Fetch(uidSet, fetchOpts)
	var result []*Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		parsed := c.collectMessage(msg)
		// An open-ended UID range always matches the newest message,
		// even when its UID is at or below the mark.
		if parsed != nil && parsed.UID > sinceUID {
			result = append(result, parsed)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch since UID %d: %w", sinceUID, err)
	}
	return result, nil
}

// collectMessage drains one fetch response into a Message.
func (c *client) collectMessage(msg *imapclient.FetchMessageData) *Message {
	result := &Message{}
	var rawBody []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			result.UID = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				result.Subject = data.Envelope.Subject
				result.MessageID = data.Envelope.MessageID
				if len(data.Envelope.From) > 0 {
					from := data.Envelope.From[0]
					result.From = from.Name
					result.FromAddr = from.Addr()
					if result.From == "" {
						result.From = result.FromAddr
					}
				}
			}
		case imapclient.FetchItemDataBodySection:
			// Consume the literal immediately; go-imap streams it and
			// msg.Next() advances past unread literals.
			if data.Literal == nil {
				continue
			}
			var readErr error
			rawBody, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				c.logger.Debug("error reading body literal", "error", readErr)
				rawBody = nil
			}
		}
	}

	if rawBody != nil {
		if err := parseBody(result, bytes.NewReader(rawBody)); err != nil {
			c.logger.Debug("body parse error", "uid", result.UID, "error", err)
		}
	}
	return result
}

// parseBody walks the MIME structure for text/plain and text/html
// parts. go-message may return a valid reader AND an unknown-charset
// error; those are non-fatal and parsing continues.
func parseBody(msg *Message, r io.Reader) error {
	mailReader, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mailReader == nil {
		return fmt.Errorf("create mail reader returned nil: %w", err)
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		var contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		default:
			continue
		}

		switch {
		case contentType == "text/plain" && msg.TextBody == "":
			msg.TextBody = readPartText(part.Body)
		case contentType == "text/html" && msg.HTMLBody == "":
			msg.HTMLBody = readPartText(part.Body)
		}
	}
	return nil
}

func readPartText(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated]"
	}
	return strings.TrimSpace(text)
}
