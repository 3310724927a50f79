// Package connector defines the collaborators the sync engine talks to: the transport, the wire
// codec, per-collection sync adapters, persistence and the device itself.
package connector

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Protocol commands.
const (
	CmdSync            = "Sync"
	CmdPing            = "Ping"
	CmdFolderSync      = "FolderSync"
	CmdProvision       = "Provision"
	CmdItemOperations  = "ItemOperations"
	CmdMoveItems       = "MoveItems"
	CmdMeetingResponse = "MeetingResponse"
)

// Protocol headers.
const (
	HeaderProtocolVersion  = "MS-ASProtocolVersion"
	HeaderProtocolVersions = "MS-ASProtocolVersions"
	HeaderPolicyKey        = "X-MS-PolicyKey"
	HeaderLocation         = "X-MS-Location"
)

// Command is one outbound protocol command.
type Command struct {
	Name    string
	Body    []byte
	Timeout time.Duration

	// Ping marks the long poll command.
	Ping bool

	PolicyKey       string
	ProtocolVersion string
}

// Response is the answer to a command.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// IsEmpty returns whether the response carries no body.
func (r *Response) IsEmpty() bool {
	return len(r.Body) == 0
}

// Transport sends commands to the server.
type Transport interface {
	// Send performs the command. It must return promptly once ctx is done.
	Send(ctx context.Context, cmd Command) (*Response, error)

	// Options queries the protocol versions supported by the server.
	Options(ctx context.Context) (*Response, error)

	// SetHost changes the server host commands are sent to.
	SetHost(host string)
}

// Codec serializes command bodies and parses responses. The wire encoding is opaque to the engine.
type Codec interface {
	EncodeFolderSync(syncKey string) ([]byte, error)
	ParseFolderSync(body []byte) (FolderSyncResult, error)

	EncodeSync(req SyncRequest) ([]byte, error)

	EncodePing(req PingRequest) ([]byte, error)
	ParsePing(body []byte) (PingResult, error)

	EncodeProvision(req ProvisionRequest) ([]byte, error)
	ParseProvision(body []byte) (ProvisionResult, error)

	EncodeRequest(req Request) ([]byte, error)
}

// SyncAdapter knows how to synchronize one collection type.
type SyncAdapter interface {
	// Class returns the collection class handled by the adapter.
	Class() string

	// IsSyncable returns whether the mailbox may still be synchronized.
	IsSyncable() bool

	// Options returns the negotiable sync options; they are never sent with the initial sync.
	Options() []byte

	// LocalChanges returns the pending local changes to send to the server, if any.
	LocalChanges() ([]byte, bool)

	// Parse parses a Sync response. The server diff is not applied until the engine runs the
	// result's Apply function together with the sync key update.
	Parse(body []byte) (SyncResult, error)

	// Cleanup clears local change tracking after a round trip that carried the local changes.
	Cleanup() error

	// Complete handles the server response to a queued request.
	Complete(ctx context.Context, req Request, body []byte) error
}

// Connector bundles the server facing collaborators of one account.
type Connector interface {
	Transport
	Codec

	NewSyncAdapter(mbox Mailbox) (SyncAdapter, error)
}

// Errors returned by Store implementations.
var (
	ErrNoSuchAccount = errors.New("no such account")
	ErrNoSuchMailbox = errors.New("no such mailbox")
	ErrAccountExists = errors.New("account already exists")
)

// Store gives access to persisted account and mailbox state. Its schema is owned elsewhere.
type Store interface {
	AddAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	SetProtocolVersion(ctx context.Context, accountID, version string, at time.Time) error
	GetPolicy(ctx context.Context, accountID string) (*Policy, error)
	SetSecurityHold(ctx context.Context, accountID string, hold bool) error

	// CommitPolicy stores the policy and its key and lifts the security hold, atomically.
	CommitPolicy(ctx context.Context, accountID string, policy *Policy, key string) error

	GetMailbox(ctx context.Context, mailboxID string) (Mailbox, error)
	GetMailboxes(ctx context.Context, accountID string) ([]Mailbox, error)
	SetInterval(ctx context.Context, mailboxID string, interval Interval) error
	SetSyncKey(ctx context.Context, mailboxID, key string) error
	SetSyncStatus(ctx context.Context, mailboxID string, status SyncStatus) error

	// CommitSync runs apply and stores the new sync key atomically. The key is left untouched if apply fails.
	CommitSync(ctx context.Context, mailboxID, key string, apply func(context.Context) error) error

	// ApplyFolderSync applies a folder hierarchy diff and stores the account's new folder sync key.
	ApplyFolderSync(ctx context.Context, accountID string, result FolderSyncResult) error
	SetFolderSyncKey(ctx context.Context, accountID, key string) error
}

// Device exposes the local device capabilities the engine relies on.
type Device interface {
	HasConnectivity() bool

	// Supports returns whether the device can enforce the requirement.
	Supports(req Requirement) bool

	// IsActive returns whether the device currently satisfies every requirement of the policy.
	IsActive(policy Policy) bool

	// Wipe erases the device.
	Wipe(ctx context.Context) error

	// FlagAttachmentsForPolicy marks fetched attachments that violate the policy for removal.
	FlagAttachmentsForPolicy(ctx context.Context, accountID string, policy Policy) error
}
