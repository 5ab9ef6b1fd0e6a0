package imapx

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Gmail and
// Outlook for IMAP bearer-token logins.
type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// the server only challenges on failure; an empty response makes it
	// return the final error status
	return []byte{}, nil
}
