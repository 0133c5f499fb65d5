package xmpp

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/monroy/montext/internal/logging"
)

const (
	// Resource bound at login so the server can tell this client apart
	// from the same account's other devices.
	clientResource = "montext"

	connectTimeout = 30 * time.Second
	iqTimeout      = 30 * time.Second
)

// Client is the mellium-backed Transport implementation. It owns one
// TCP connection at a time: Connect dials it, Login (or the
// registration flow) negotiates an XMPP stream over it, and Disconnect
// tears everything down.
type Client struct {
	mu sync.Mutex
	// preauthMu serializes registration round-trips, which read the
	// pre-auth stream inline.
	preauthMu sync.Mutex

	log *logging.Logger

	events Events

	domain    jid.JID
	local     jid.JID
	host      string
	port      int
	tlsConfig *tls.Config

	conn    net.Conn
	preauth *xmpp.Session
	predec  *xml.Decoder
	session *xmpp.Session
	closing bool

	pending map[string]chan *clientIQ

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates an unconnected client.
func NewClient(log *logging.Logger) *Client {
	return &Client{
		log:     log,
		pending: make(map[string]chan *clientIQ),
	}
}

// SetEvents installs the callback set. Must be called before Connect.
func (c *Client) SetEvents(ev Events) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = ev
}

// Connect dials the server. Stream negotiation is deferred to Login or
// the registration flow; transport-layer encryption is required in
// either case via STARTTLS.
func (c *Client) Connect(ctx context.Context, host string, port int, domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	d, err := jid.Parse(domain)
	if err != nil {
		return fmt.Errorf("invalid domain: %w", err)
	}

	if port == 0 {
		port = 5222
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	c.domain = d
	c.host = host
	c.port = port
	c.conn = conn
	c.closing = false
	c.tlsConfig = &tls.Config{
		ServerName: d.Domainpart(),
		MinVersion: tls.VersionTLS12,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.log.Debug("connected to %s:%d", host, port)

	if c.events.Connected != nil {
		c.events.Connected()
	}
	return nil
}

// redial replaces the TCP connection. Needed when a pre-auth stream
// (registration probe) already consumed the current one, since SASL
// negotiation must start from a fresh stream. oldConn is the connection
// the caller observed; redial fails if it changed in the meantime.
func (c *Client) redial(ctx context.Context, oldConn net.Conn) (net.Conn, error) {
	c.mu.Lock()
	host, port := c.host, c.port
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("failed to redial server: %w", err)
	}

	c.mu.Lock()
	if c.closing || c.conn != oldConn {
		c.mu.Unlock()
		conn.Close()
		return nil, errors.New("connection closed")
	}
	if c.preauth != nil {
		c.preauth.Close()
		c.preauth = nil
		c.predec = nil
	}
	c.conn.Close()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// negotiationDeadline bounds stream negotiation so an unresponsive
// server surfaces as an error instead of a hang. The caller's context
// deadline wins when it is sooner.
func negotiationDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(connectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// Login negotiates STARTTLS, SASL authentication and resource binding
// on the established connection, then starts the stanza read loop. The
// mutex is not held across negotiation, so Disconnect can always close
// the connection and abort a login that a dead server would otherwise
// stall forever.
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	if c.conn == nil {
		c.mu.Unlock()
		return errors.New("not connected")
	}
	conn := c.conn
	domain := c.domain
	tlsConfig := c.tlsConfig
	needRedial := c.preauth != nil
	c.mu.Unlock()

	// A registration probe may have used up the stream on this
	// connection.
	if needRedial {
		fresh, err := c.redial(ctx, conn)
		if err != nil {
			return err
		}
		conn = fresh
	}

	origin, err := jid.New(username, domain.Domainpart(), clientResource)
	if err != nil {
		return fmt.Errorf("invalid username: %w", err)
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	nctx, cancel := context.WithDeadline(ctx, negotiationDeadline(ctx))
	defer cancel()
	_ = conn.SetDeadline(negotiationDeadline(ctx))
	session, err := xmpp.NewSession(nctx, domain, origin, conn, 0, negotiator)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		session.Close()
		return errors.New("connection closed")
	}
	c.session = session
	c.local = session.LocalAddr()
	sctx := c.ctx
	ev := c.events
	c.mu.Unlock()

	go c.serve(session)

	// Initial available presence so the server starts broadcasting ours
	// and delivering our contacts'.
	if err := session.Encode(sctx, clientPresence{}); err != nil {
		c.log.Warn("failed to send initial presence: %v", err)
	}

	c.log.Info("authenticated as %s", session.LocalAddr().Bare())

	if ev.Authenticated != nil {
		ev.Authenticated()
	}
	return nil
}

// preauthSession lazily negotiates an unauthenticated stream used for
// in-band registration queries. Like Login, negotiation runs without
// the mutex held and under a deadline.
func (c *Client) preauthSession(ctx context.Context) (*xmpp.Session, *xml.Decoder, net.Conn, error) {
	c.mu.Lock()
	if c.preauth != nil {
		session, dec, conn := c.preauth, c.predec, c.conn
		c.mu.Unlock()
		return session, dec, conn, nil
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, nil, nil, errors.New("not connected")
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil, nil, nil, errors.New("already authenticated")
	}
	conn := c.conn
	domain := c.domain
	tlsConfig := c.tlsConfig
	c.mu.Unlock()

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
			},
		}
	})

	nctx, cancel := context.WithDeadline(ctx, negotiationDeadline(ctx))
	defer cancel()
	_ = conn.SetDeadline(negotiationDeadline(ctx))
	session, err := xmpp.NewSession(nctx, domain, domain, conn, 0, negotiator)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to negotiate pre-auth stream: %w", err)
	}

	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		session.Close()
		return nil, nil, nil, errors.New("connection closed")
	}
	c.preauth = session
	c.predec = xml.NewTokenDecoder(session.TokenReader())
	dec := c.predec
	c.mu.Unlock()
	return session, dec, conn, nil
}

// SupportsRegistration probes the server for XEP-0077 in-band
// registration by requesting the registration form. Servers without
// support answer with service-unavailable.
func (c *Client) SupportsRegistration(ctx context.Context) (bool, error) {
	c.preauthMu.Lock()
	defer c.preauthMu.Unlock()

	_, err := c.preauthRoundTrip(ctx, "get", registerQuery{})
	if err != nil {
		if IsServiceUnavailable(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Register creates an account in-band (XEP-0077). Optional profile
// fields "name" and "email" are forwarded when present.
func (c *Client) Register(ctx context.Context, username, password string, fields map[string]string) error {
	c.preauthMu.Lock()
	defer c.preauthMu.Unlock()

	q := registerQuery{
		Username: username,
		Password: password,
		Name:     fields["name"],
		Email:    fields["email"],
	}
	if _, err := c.preauthRoundTrip(ctx, "set", q); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	c.log.Info("registered account %q", username)
	return nil
}

// preauthRoundTrip sends an IQ on the pre-auth stream and reads stanzas
// until the matching reply arrives. Callers hold preauthMu, so the
// pre-auth stream has no concurrent reader and reading inline here is
// safe.
func (c *Client) preauthRoundTrip(ctx context.Context, iqType string, payload interface{}) (*clientIQ, error) {
	session, dec, conn, err := c.preauthSession(ctx)
	if err != nil {
		return nil, err
	}

	id := generateID()
	if err := session.Encode(ctx, sendIQ{ID: id, Type: iqType, Payload: payload}); err != nil {
		return nil, fmt.Errorf("failed to send iq: %w", err)
	}

	deadline := time.Now().Add(iqTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read iq reply: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "iq" {
			if err := dec.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		var iq clientIQ
		if err := dec.DecodeElement(&iq, &start); err != nil {
			return nil, fmt.Errorf("failed to decode iq reply: %w", err)
		}
		if iq.ID != id {
			continue
		}
		return checkIQReply(&iq)
	}
}

// Disconnect closes the stream and the connection. The Closed callback
// fires from here rather than the read loop so that a locally initiated
// close is always reported as graceful.
func (c *Client) Disconnect() error {
	c.mu.Lock()

	if c.conn == nil && c.session == nil {
		c.mu.Unlock()
		return nil
	}

	c.closing = true
	if c.cancel != nil {
		c.cancel()
	}

	if c.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.session.Encode(ctx, clientPresence{Type: string(PresenceUnavailable)})
		cancel()
		_ = c.session.Close()
	}
	if c.preauth != nil {
		_ = c.preauth.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}

	c.session = nil
	c.preauth = nil
	c.predec = nil
	c.conn = nil
	c.local = jid.JID{}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}

	ev := c.events
	c.mu.Unlock()

	c.log.Debug("disconnected")
	if ev.Closed != nil {
		ev.Closed()
	}
	return nil
}

// serve reads stanzas off the authenticated stream and dispatches them
// until the stream dies.
func (c *Client) serve(session *xmpp.Session) {
	dec := xml.NewTokenDecoder(session.TokenReader())
	for {
		tok, err := dec.Token()
		if err != nil {
			c.handleStreamEnd(err)
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "presence":
			var p clientPresence
			if err := dec.DecodeElement(&p, &start); err != nil {
				c.log.Warn("failed to decode presence: %v", err)
				continue
			}
			c.dispatchPresence(&p)
		case "iq":
			var iq clientIQ
			if err := dec.DecodeElement(&iq, &start); err != nil {
				c.log.Warn("failed to decode iq: %v", err)
				continue
			}
			c.handleIQ(&iq)
		default:
			// Chat messages and anything else are outside this client's
			// scope.
			if err := dec.Skip(); err != nil {
				c.handleStreamEnd(err)
				return
			}
		}
	}
}

func (c *Client) handleStreamEnd(err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.session = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.local = jid.JID{}
	if c.cancel != nil {
		c.cancel()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	ev := c.events
	c.mu.Unlock()

	if errors.Is(err, io.EOF) {
		c.log.Info("stream closed by server")
		if ev.Closed != nil {
			ev.Closed()
		}
		return
	}
	c.log.Error("stream failed: %v", err)
	if ev.ClosedErr != nil {
		ev.ClosedErr(err)
	}
}

func (c *Client) dispatchPresence(p *clientPresence) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	if ev.Presence == nil {
		return
	}

	out := Presence{
		Type:     PresenceType(p.Type),
		Show:     p.Show,
		Status:   p.Status,
		Priority: p.Priority,
	}
	if p.From != "" {
		out.From, _ = jid.Parse(p.From)
	}
	if p.To != "" {
		out.To, _ = jid.Parse(p.To)
	}
	ev.Presence(out)
}

func (c *Client) handleIQ(iq *clientIQ) {
	switch iq.Type {
	case "result", "error":
		c.mu.Lock()
		ch := c.pending[iq.ID]
		delete(c.pending, iq.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- iq
		}
	case "set":
		c.handleIQSet(iq)
	default:
		c.log.Debug("ignoring iq type %q", iq.Type)
	}
}

// handleIQSet handles server pushes, currently only roster pushes
// (RFC 6121 §2.1.6). Pushes must be acknowledged with an empty result.
func (c *Client) handleIQSet(iq *clientIQ) {
	var q rosterQuery
	if err := xml.Unmarshal(iq.Inner, &q); err != nil {
		c.log.Debug("ignoring iq set with unknown payload: %v", err)
		return
	}

	c.mu.Lock()
	session := c.session
	ev := c.events
	ctx := c.ctx
	c.mu.Unlock()
	if session == nil {
		return
	}

	if err := session.Encode(ctx, sendIQ{ID: iq.ID, Type: "result", To: iq.From}); err != nil {
		c.log.Warn("failed to ack roster push: %v", err)
	}

	if ev.RosterPush == nil {
		return
	}
	for _, item := range q.Items {
		entry, err := entryFromItem(item)
		if err != nil {
			c.log.Warn("roster push with bad jid %q: %v", item.JID, err)
			continue
		}
		ev.RosterPush(entry)
	}
}

// roundTrip sends an IQ on the authenticated stream and waits for the
// reply, which arrives via the serve loop.
func (c *Client) roundTrip(ctx context.Context, iqType, to string, payload interface{}) (*clientIQ, error) {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return nil, errors.New("not authenticated")
	}
	id := generateID()
	ch := make(chan *clientIQ, 1)
	c.pending[id] = ch
	done := c.ctx.Done()
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, iqTimeout)
		defer cancel()
	}

	if err := session.Encode(ctx, sendIQ{ID: id, Type: iqType, To: to, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send iq: %w", err)
	}

	select {
	case iq, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return checkIQReply(iq)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-done:
		return nil, errors.New("connection closed")
	}
}

// SendPresence sends a presence stanza of the given type, addressed to
// the contact's bare address when a target is given.
func (c *Client) SendPresence(ctx context.Context, to jid.JID, typ PresenceType) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return errors.New("not authenticated")
	}

	p := clientPresence{Type: string(typ)}
	if !to.Equal(jid.JID{}) {
		p.To = to.Bare().String()
	}
	return session.Encode(ctx, p)
}

// FetchRoster retrieves the full server-side roster.
func (c *Client) FetchRoster(ctx context.Context) ([]RosterEntry, error) {
	reply, err := c.roundTrip(ctx, "get", "", rosterQuery{})
	if err != nil {
		return nil, fmt.Errorf("roster fetch failed: %w", err)
	}

	var q rosterQuery
	if err := xml.Unmarshal(reply.Inner, &q); err != nil {
		return nil, fmt.Errorf("failed to parse roster result: %w", err)
	}

	entries := make([]RosterEntry, 0, len(q.Items))
	for _, item := range q.Items {
		entry, err := entryFromItem(item)
		if err != nil {
			c.log.Warn("roster result with bad jid %q: %v", item.JID, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CreateRosterEntry adds a roster item and sends the subscribe presence
// that starts the server's subscription workflow.
func (c *Client) CreateRosterEntry(ctx context.Context, address jid.JID, name string) error {
	q := rosterQuery{Items: []rosterItem{{
		JID:  address.Bare().String(),
		Name: name,
	}}}
	if _, err := c.roundTrip(ctx, "set", "", q); err != nil {
		return fmt.Errorf("roster set failed: %w", err)
	}
	return c.SendPresence(ctx, address, PresenceSubscribe)
}

// RemoveRosterEntry requests server-side removal of a roster item.
func (c *Client) RemoveRosterEntry(ctx context.Context, address jid.JID) error {
	q := rosterQuery{Items: []rosterItem{{
		JID:          address.Bare().String(),
		Subscription: "remove",
	}}}
	if _, err := c.roundTrip(ctx, "set", "", q); err != nil {
		return fmt.Errorf("roster remove failed: %w", err)
	}
	return nil
}

// FetchProfile retrieves a contact's vcard-temp document. An address
// equal to our own bare JID fetches our own profile.
func (c *Client) FetchProfile(ctx context.Context, address jid.JID) (*Profile, error) {
	to := address.Bare().String()
	if address.Bare().Equal(c.LocalAddr().Bare()) {
		to = ""
	}

	reply, err := c.roundTrip(ctx, "get", to, vCard{})
	if err != nil {
		return nil, fmt.Errorf("profile fetch failed: %w", err)
	}

	var v vCard
	if err := xml.Unmarshal(reply.Inner, &v); err != nil {
		return nil, fmt.Errorf("failed to parse vcard: %w", err)
	}

	p := &Profile{
		Address:  address.Bare(),
		FullName: v.FullName,
	}
	if v.Email != nil {
		p.Email = v.Email.UserID
	}
	if v.Photo != nil && v.Photo.BinVal != "" {
		raw, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, v.Photo.BinVal))
		if err != nil {
			return nil, fmt.Errorf("failed to decode avatar payload: %w", err)
		}
		p.Avatar = raw
		p.AvatarMIME = v.Photo.Type
	}
	return p, nil
}

// SaveProfile writes our own vcard-temp document to the server.
func (c *Client) SaveProfile(ctx context.Context, p *Profile) error {
	v := vCard{FullName: p.FullName}
	if p.Email != "" {
		v.Email = &vCardEmail{UserID: p.Email}
	}
	if len(p.Avatar) > 0 {
		v.Photo = &vCardPhoto{
			Type:   p.AvatarMIME,
			BinVal: base64.StdEncoding.EncodeToString(p.Avatar),
		}
	}
	if _, err := c.roundTrip(ctx, "set", "", v); err != nil {
		return fmt.Errorf("profile save failed: %w", err)
	}
	return nil
}

// LocalAddr returns the JID bound for this session, zero if not
// authenticated.
func (c *Client) LocalAddr() jid.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// sendIQ is the outbound IQ wrapper; Payload marshals as the query
// child element.
type sendIQ struct {
	XMLName xml.Name    `xml:"iq"`
	ID      string      `xml:"id,attr"`
	Type    string      `xml:"type,attr"`
	To      string      `xml:"to,attr,omitempty"`
	Payload interface{} `xml:",omitempty"`
}

func checkIQReply(iq *clientIQ) (*clientIQ, error) {
	if iq.Type != "error" {
		return iq, nil
	}
	if iq.Error != nil {
		return nil, &StanzaError{Condition: iq.Error.condition(), Text: iq.Error.Text}
	}
	return nil, &StanzaError{Condition: "undefined-condition"}
}

func entryFromItem(item rosterItem) (RosterEntry, error) {
	addr, err := jid.Parse(item.JID)
	if err != nil {
		return RosterEntry{}, err
	}
	return RosterEntry{
		Address:      addr.Bare(),
		Name:         item.Name,
		Subscription: item.Subscription,
		Pending:      item.Ask == "subscribe",
	}, nil
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\n', '\r':
		return -1
	}
	return r
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

var _ Transport = (*Client)(nil)
