// Package imapx wraps the IMAP protocol layer: authenticated connections,
// UID search by filter criteria, and full-message download with MIME
// decoding.
package imapx

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/retry"
)

// Client is one authenticated IMAP session for a single account.
type Client struct {
	c   *client.Client
	cfg config.IMAPConfig
}

// Connect dials and authenticates a session for the account. Connection and
// authentication failures are fatal for the discovery run that needed them.
func Connect(ctx context.Context, account *model.EmailAccount, cfg config.IMAPConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err))
	}
	c.Timeout = cfg.AuthTimeout

	switch account.AuthMode {
	case model.AuthXOAuth2:
		token, err := xoauth2AccessToken(ctx, account)
		if err != nil {
			c.Logout()
			return nil, retry.Fatal(fmt.Errorf("failed to obtain OAuth2 token for %s: %w", account.IMAPUser, err))
		}
		if err := c.Authenticate(newXOAuth2Client(account.IMAPUser, token)); err != nil {
			c.Logout()
			return nil, retry.Fatal(fmt.Errorf("failed to authenticate to IMAP server: %w", err))
		}
	default:
		if err := c.Login(account.IMAPUser, account.IMAPPassword); err != nil {
			c.Logout()
			return nil, retry.Fatal(fmt.Errorf("failed to login to IMAP server: %w", err))
		}
	}

	return &Client{c: c, cfg: cfg}, nil
}

// xoauth2AccessToken exchanges the account's refresh token for a fresh
// access token at the provider's token endpoint.
func xoauth2AccessToken(ctx context.Context, account *model.EmailAccount) (string, error) {
	if account.OAuthClientID == "" || account.OAuthTokenURL == "" || account.RefreshToken == "" {
		return "", fmt.Errorf("account %d has incomplete XOAUTH2 credentials", account.ID)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     account.OAuthClientID,
		ClientSecret: account.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: account.OAuthTokenURL},
	}
	token := &oauth2.Token{RefreshToken: account.RefreshToken}

	tok, err := oauth2Config.TokenSource(ctx, token).Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}
	return tok.AccessToken, nil
}

// SearchSpec describes which messages a discovery run wants.
type SearchSpec struct {
	Unseen   bool
	Since    time.Time
	Before   time.Time
	Subjects []string
	Sender   string
	Limit    int
}

// Search selects INBOX and runs a UID search for the spec.
func (c *Client) Search(spec SearchSpec) ([]uint32, error) {
	c.c.Timeout = c.cfg.SearchTimeout

	if _, err := c.c.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	uids, err := c.c.UidSearch(buildCriteria(spec))
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	if spec.Limit > 0 && len(uids) > spec.Limit {
		// newest first when a manual batch is capped
		uids = uids[len(uids)-spec.Limit:]
	}
	return uids, nil
}

// buildCriteria translates a SearchSpec into IMAP SEARCH criteria. Multiple
// subject terms become an OR tree.
func buildCriteria(spec SearchSpec) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if spec.Unseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if !spec.Since.IsZero() {
		criteria.Since = spec.Since
	}
	if !spec.Before.IsZero() {
		criteria.Before = spec.Before
	}
	if spec.Sender != "" {
		criteria.Header.Add("From", spec.Sender)
	}

	if len(spec.Subjects) == 1 {
		criteria.Header.Add("Subject", spec.Subjects[0])
	} else if len(spec.Subjects) > 1 {
		or := subjectCriteria(spec.Subjects[0])
		for _, term := range spec.Subjects[1:] {
			next := imap.NewSearchCriteria()
			next.Or = [][2]*imap.SearchCriteria{{or, subjectCriteria(term)}}
			or = next
		}
		criteria.Or = or.Or
	}
	return criteria
}

func subjectCriteria(term string) *imap.SearchCriteria {
	c := imap.NewSearchCriteria()
	c.Header.Add("Subject", term)
	return c
}

// Envelope holds the discovery-relevant envelope fields of one message.
type Envelope struct {
	UID       uint32
	MessageID string
	Subject   string
}

// FetchEnvelopes retrieves message IDs for the given UIDs without
// downloading bodies.
func (c *Client) FetchEnvelopes(uids []uint32) ([]Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	c.c.Timeout = c.cfg.FetchTimeout

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}, messages)
	}()

	var out []Envelope
	for msg := range messages {
		env := Envelope{UID: msg.Uid}
		if msg.Envelope != nil {
			env.MessageID = msg.Envelope.MessageId
			env.Subject = msg.Envelope.Subject
		}
		if env.MessageID == "" {
			logrus.Warnf("Message UID %d has no Message-Id header, skipping", msg.Uid)
			continue
		}
		out = append(out, env)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch envelopes: %w", err)
	}
	return out, nil
}

// FetchFull downloads one complete message and decodes it.
func (c *Client) FetchFull(uid uint32) (*MailDocument, error) {
	c.c.Timeout = c.cfg.FetchTimeout

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, messages)
	}()

	var raw []byte
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		raw = data
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, retry.Fatal(fmt.Errorf("message %d has no body", uid))
	}

	doc, err := ParseMail(raw, uid)
	if err != nil {
		// malformed MIME does not get better on retry
		return nil, retry.Fatal(err)
	}
	return doc, nil
}

// Noop pings the server; used as the pool health check.
func (c *Client) Noop() error {
	return c.c.Noop()
}

// Close logs out the session.
func (c *Client) Close() error {
	return c.c.Logout()
}
