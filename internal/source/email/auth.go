package email

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/sqs/go-xoauth2"
)

// authenticate logs in with the configured mechanism.
func (c *IMAPClient) authenticate(client *imapclient.Client) error {
	switch c.cfg.Auth {
	case AuthXOAuth2:
		saslClient, err := newXOAuth2Client(c.cfg.Username, c.cfg.Token)
		if err != nil {
			return err
		}
		return client.Authenticate(saslClient)
	case AuthOAuthBearer:
		return client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.cfg.Username,
			Token:    c.cfg.Token,
			Host:     c.cfg.Host,
			Port:     c.cfg.Port,
		}))
	default:
		return client.Login(c.cfg.Username, c.cfg.Password).Wait()
	}
}

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook.
type xoauth2Client struct {
	ir []byte
}

func newXOAuth2Client(username, token string) (sasl.Client, error) {
	ir, err := base64.StdEncoding.DecodeString(xoauth2.XOAuth2String(username, token))
	if err != nil {
		return nil, fmt.Errorf("encoding XOAUTH2 response: %w", err)
	}
	return &xoauth2Client{ir: ir}, nil
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", a.ir, nil
}

// Next answers the server's JSON error challenge with an empty response so
// the server completes the exchange with a tagged NO.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
