// Package protocol is the boundary to the messaging-service client. The
// supervisor only sees a Dialer that yields a Handle with a typed event
// stream; wire details live in driver packages.
package protocol

import (
	"context"
	"strings"
	"time"
)

// Close status codes reported by the messaging service.
const (
	StatusLoggedOut           = 401
	StatusForbidden           = 403
	StatusTimedOut            = 408
	StatusMultideviceMismatch = 411
	StatusConnectionClosed    = 428
	StatusConnectionReplaced  = 440
	StatusBadSession          = 500
	StatusUnavailableService  = 503
	StatusRestartRequired     = 515
)

const (
	StatusBroadcastJID = "status@broadcast"
	UserServer         = "s.whatsapp.net"
	GroupServer        = "g.us"
)

// Credentials is the opaque session material of one instance. Only
// Registered and Me are interpreted outside the driver.
type Credentials struct {
	Registered bool   `json:"registered"`
	Me         string `json:"me,omitempty"`
	Blob       []byte `json:"blob,omitempty"`
}

// Empty reports whether no session material has been stored yet.
func (c Credentials) Empty() bool {
	return !c.Registered && c.Me == "" && len(c.Blob) == 0
}

// User is the account a handle is logged in as.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type DialConfig struct {
	InstanceID  string
	Credentials Credentials
	BrowserName string
}

// Dialer opens connection handles. Dial returns once the transport is
// established; lifecycle progress is then reported on Handle.Events.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Handle, error)
}

// Sender sends plain text messages.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Handle is one live connection. Events is closed after Close or after the
// connection ends for good.
type Handle interface {
	Sender
	Events() <-chan Event
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	User() *User
	Close() error
}

type EventKind int

const (
	EventConnecting EventKind = iota
	EventOpen
	EventClose
	EventCredentialsUpdated
	EventMessages
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredentialsUpdated:
		return "credentials_updated"
	case EventMessages:
		return "messages"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind        EventKind
	Close       CloseReason
	Credentials Credentials
	Upsert      Upsert
}

type CloseReason struct {
	Code int
	Err  error
}

// Terminal reports whether the session credential is permanently invalid.
func (r CloseReason) Terminal() bool {
	return r.Code == StatusLoggedOut
}

func (r CloseReason) String() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

// Upsert is one batch of inbound messages. Type is "notify" for live
// traffic and "append" for history sync.
type Upsert struct {
	Type     string
	Messages []Message
}

type Message struct {
	ID          string
	RemoteJID   string
	Participant string
	FromMe      bool
	Timestamp   time.Time
	Payload     *Payload
}

// Sender returns the author of the message: the participant inside groups,
// the chat itself otherwise.
func (m Message) Sender() string {
	if m.Participant != "" {
		return m.Participant
	}
	return m.RemoteJID
}

// Payload is message content. An ephemeral envelope carries its real content
// in Ephemeral and nothing else.
type Payload struct {
	Text      string
	Ephemeral *Payload
}

// UserJID returns the personal chat address for a digits-only phone number.
func UserJID(phone string) string {
	return phone + "@" + UserServer
}

// IsGroup reports whether jid addresses a group chat.
func IsGroup(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}

// NormalizeUser drops the device suffix from a user id, so
// "254700000000:12@s.whatsapp.net" becomes "254700000000@s.whatsapp.net".
func NormalizeUser(id string) string {
	user, server, ok := strings.Cut(id, "@")
	if !ok {
		return id
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + "@" + server
}
