package email

import "time"

// Security selects how the connection to the IMAP server is secured.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// AuthMechanism selects how the account authenticates.
type AuthMechanism string

const (
	AuthLogin       AuthMechanism = "login"
	AuthXOAuth2     AuthMechanism = "xoauth2"
	AuthOAuthBearer AuthMechanism = "oauthbearer"
)

// Config holds everything needed to open a session for one account.
type Config struct {
	// Account is the configured account ID, used in errors.
	Account string

	Host     string
	Port     int
	Security Security
	Auth     AuthMechanism

	Username string
	Password string

	// Token is the OAuth2 access token for XOAUTH2/OAUTHBEARER.
	Token string

	// Mailbox to select, usually INBOX.
	Mailbox string

	// Search restricts which messages above the cursor are forwarded.
	Search *SearchTemplate

	ConnectTimeout time.Duration

	// PollInterval is used instead of IDLE when the server lacks it.
	PollInterval time.Duration

	InsecureSkipVerify bool
}
