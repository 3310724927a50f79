package connector

import (
	"context"
	"time"
)

// InitialSyncKey is the sync key of a collection that was never synchronized.
const InitialSyncKey = "0"

// Interval is how a mailbox is kept in sync.
type Interval int

const (
	IntervalNever Interval = iota
	IntervalManual
	IntervalPush
	IntervalPing
	IntervalPushHold
)

func (i Interval) String() string {
	switch i {
	case IntervalManual:
		return "manual"
	case IntervalPush:
		return "push"
	case IntervalPing:
		return "ping"
	case IntervalPushHold:
		return "push-hold"
	default:
		return "never"
	}
}

// IsPingable returns whether a mailbox with this interval takes part in the long poll.
func (i Interval) IsPingable() bool {
	return i == IntervalPush || i == IntervalPing
}

// Kind is the type of collection held by a mailbox.
type Kind int

const (
	KindMail Kind = iota
	KindInbox
	KindCalendar
	KindContacts
	KindAccount
)

// Class returns the collection class name used by the protocol.
func (k Kind) Class() string {
	switch k {
	case KindCalendar:
		return "Calendar"
	case KindContacts:
		return "Contacts"
	default:
		return "Email"
	}
}

// Trigger is what caused a mailbox sync.
type Trigger int

const (
	TriggerUser Trigger = iota
	TriggerPush
	TriggerPing
	TriggerScheduled
)

// SyncStatus records the outcome of the last sync of a mailbox.
type SyncStatus struct {
	Trigger Trigger
	Changes int
	At      time.Time
}

// Mailbox is one synchronized collection of an account.
type Mailbox struct {
	ID        string
	AccountID string
	ServerID  string
	ParentID  string
	Name      string
	Kind      Kind
	SyncKey   string
	Interval  Interval
	LastSync  SyncStatus
}

// IsInitialized returns whether the mailbox has completed its first sync.
func (m Mailbox) IsInitialized() bool {
	return m.SyncKey != "" && m.SyncKey != InitialSyncKey
}

// Account is one server account.
type Account struct {
	ID       string
	Host     string
	User     string
	Password string
	DeviceID string

	// Interval is the account wide sync mode applied to pushable mailboxes.
	Interval Interval

	ProtocolVersion  string
	VersionCheckedAt time.Time

	// FolderSyncKey is the cursor of the folder hierarchy.
	FolderSyncKey string

	// PolicyKey is empty while no security policy is enforced.
	PolicyKey    string
	SecurityHold bool
}

// Requirement is a single device security requirement.
type Requirement struct {
	Name  string
	Value string
}

// Policy is the set of security requirements mandated by the server.
type Policy struct {
	Requirements         []Requirement
	MaxAttachmentSize    int64
	DontAllowAttachments bool
}

// AttachmentsDiffer returns whether the attachment related fields of the policies differ.
func (p Policy) AttachmentsDiffer(other Policy) bool {
	return p.MaxAttachmentSize != other.MaxAttachmentSize || p.DontAllowAttachments != other.DontAllowAttachments
}

// FolderOp is a change to the folder hierarchy.
type FolderOp int

const (
	FolderAdd FolderOp = iota
	FolderUpdate
	FolderDelete
)

// FolderChange is one entry of a folder hierarchy diff.
type FolderChange struct {
	Op       FolderOp
	ServerID string
	ParentID string
	Name     string
	Kind     Kind
}

// FolderSyncResult is the parsed answer to a FolderSync command.
type FolderSyncResult struct {
	Status  int
	SyncKey string
	Changes []FolderChange
}

// SyncRequest is the logical content of a Sync command for one collection.
type SyncRequest struct {
	SyncKey      string
	CollectionID string

	// Class is only sent to servers older than protocol 12.1.
	Class string

	// Options and Changes are opaque payloads produced by the sync adapter.
	Options []byte
	Changes []byte
}

// SyncResult is the parsed answer to a Sync command.
type SyncResult struct {
	Status        int
	SyncKey       string
	MoreAvailable bool

	// Changes is the number of server changes carried by the response.
	Changes int

	// UpsyncFailed is set when the local changes sent with the request could not be applied.
	UpsyncFailed bool

	// Apply durably applies the server diff. It may be nil when there is nothing to apply.
	Apply func(context.Context) error
}

// PingFolder is one collection watched by a Ping.
type PingFolder struct {
	ServerID string
	Class    string
}

// PingRequest is the logical content of a Ping command.
type PingRequest struct {
	Heartbeat int
	Folders   []PingFolder
}

// Ping result statuses.
const (
	PingStatusExpired         = 1
	PingStatusChanges         = 2
	PingStatusMissingParams   = 3
	PingStatusSyntaxError     = 4
	PingStatusBadHeartbeat    = 5
	PingStatusTooManyFolders  = 6
	PingStatusFolderSyncStale = 7
	PingStatusServerError     = 8
)

// PingResult is the parsed answer to a Ping command.
type PingResult struct {
	Status int

	// Folders holds the server IDs of the collections reported as changed.
	Folders []string

	// Heartbeat is the legal heartbeat reported with PingStatusBadHeartbeat.
	Heartbeat int
}

// Provision acknowledgement statuses.
const (
	ProvisionStatusOK      = "1"
	ProvisionStatusPartial = "2"
)

// ProvisionRequest is the logical content of a Provision command.
type ProvisionRequest struct {
	PolicyType string

	// PolicyKey and Status are set when acknowledging a policy.
	PolicyKey string
	Status    string

	// RemoteWipe acknowledges a remote wipe instruction.
	RemoteWipe bool
}

// ProvisionResult is the parsed answer to a Provision command.
type ProvisionResult struct {
	Status     int
	PolicyKey  string
	Policy     *Policy
	RemoteWipe bool
}
