// Package status classifies protocol and HTTP status codes returned by the server.
package status

import (
	"fmt"
	"net/http"
)

// Category is the coarse meaning of a status code.
type Category int

const (
	Unclassified Category = iota
	NeedsProvisioning
	BadSyncKey
	AccessDenied
	Transient
)

func (c Category) String() string {
	switch c {
	case NeedsProvisioning:
		return "NeedsProvisioning"
	case BadSyncKey:
		return "BadSyncKey"
	case AccessDenied:
		return "AccessDenied"
	case Transient:
		return "Transient"
	default:
		return "Unclassified"
	}
}

// Protocol level command status codes.
const (
	ServerErrorRetry = 111

	UserDisabledForSync         = 126
	UsersDisabledForSync        = 127
	UserOnLegacyServerCantSync  = 128
	DeviceQuarantined           = 129
	AccessDeniedStatus          = 130
	UserAccountDisabled         = 131
	SyncStateNotFound           = 132
	SyncStateLocked             = 133
	SyncStateCorrupt            = 134
	SyncStateExists             = 135
	SyncStateInvalid            = 136
	NotProvisionablePartial     = 139
	NeedsProvisioningWipe       = 140
	NotProvisionableLegacyDev   = 141
	NeedsProvisioningStatus     = 142
	NeedsProvisioningRefresh    = 143
	NeedsProvisioningInvalidKey = 144
	ItemNotFound                = 150
	TooManyPartnerships         = 177
)

// HTTP status codes with a protocol specific meaning.
const (
	HTTPNeedsProvisioning = 449
	HTTPRedirect          = 451
)

type codeSet map[int]struct{}

func newCodeSet(codes ...int) codeSet {
	set := make(codeSet, len(codes))

	for _, code := range codes {
		set[code] = struct{}{}
	}

	return set
}

func (s codeSet) contains(code int) bool {
	_, ok := s[code]
	return ok
}

var (
	needsProvisioningCodes = newCodeSet(
		NeedsProvisioningWipe,
		NeedsProvisioningStatus,
		NeedsProvisioningRefresh,
		NeedsProvisioningInvalidKey,
		HTTPNeedsProvisioning,
		http.StatusForbidden,
	)

	accessDeniedCodes = newCodeSet(
		UserDisabledForSync,
		UsersDisabledForSync,
		UserOnLegacyServerCantSync,
		DeviceQuarantined,
		AccessDeniedStatus,
		UserAccountDisabled,
		NotProvisionablePartial,
		NotProvisionableLegacyDev,
		TooManyPartnerships,
		http.StatusUnauthorized,
	)

	transientCodes = newCodeSet(
		ServerErrorRetry,
		SyncStateNotFound,
		http.StatusServiceUnavailable,
	)

	badSyncKeyCodes = newCodeSet(
		SyncStateCorrupt,
		SyncStateExists,
		SyncStateInvalid,
	)
)

// classes is checked in order; provisioning wins over the other categories.
var classes = []struct {
	category Category
	codes    codeSet
}{
	{NeedsProvisioning, needsProvisioningCodes},
	{AccessDenied, accessDeniedCodes},
	{Transient, transientCodes},
	{BadSyncKey, badSyncKeyCodes},
}

// Classify returns the category of the given status code. It never fails; codes without a
// documented meaning are Unclassified.
func Classify(code int) Category {
	for _, class := range classes {
		if class.codes.contains(code) {
			return class.category
		}
	}

	return Unclassified
}

func IsNeedsProvisioning(code int) bool {
	return Classify(code) == NeedsProvisioning
}

func IsDeniedAccess(code int) bool {
	return Classify(code) == AccessDenied
}

func IsTransient(code int) bool {
	return Classify(code) == Transient
}

func IsBadSyncKey(code int) bool {
	return Classify(code) == BadSyncKey
}

// IsAuthError returns whether the HTTP status denotes an authentication failure.
func IsAuthError(httpStatus int) bool {
	return httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden
}

// IsProvisionError returns whether the HTTP status asks the device to provision.
// 403 is both an auth and a provisioning error; callers check provisioning first.
func IsProvisionError(httpStatus int) bool {
	return httpStatus == HTTPNeedsProvisioning || httpStatus == http.StatusForbidden
}

// IsRedirect returns whether the HTTP status names a new host to retry against.
func IsRedirect(httpStatus int) bool {
	return httpStatus == HTTPRedirect
}

const (
	textStart = 101
	textEnd   = 150
)

var statusText = [textEnd - textStart + 1]string{
	"InvalidContent", "InvalidWBXML", "InvalidXML", "InvalidDateTime", "InvalidIDCombo",
	"InvalidIDs", "InvalidMIME", "DeviceIdError", "DeviceTypeError", "ServerError",
	"ServerErrorRetry", "ADAccessDenied", "Quota", "ServerOffline", "SendQuota",
	"RecipientUnresolved", "ReplyNotAllowed", "SentPreviously", "NoRecipient", "SendFailed",
	"ReplyFailed", "AttsTooLarge", "NoMailbox", "CantBeAnonymous", "UserNotFound",
	"UserDisabled", "NewMailbox", "LegacyMailbox", "DeviceBlocked", "AccessDenied",
	"AcctDisabled", "SyncStateNF", "SyncStateLocked", "SyncStateCorrupt", "SyncStateExists",
	"SyncStateInvalid", "BadCommand", "BadVersion", "NotFullyProvisionable", "RemoteWipe",
	"LegacyDevice", "NotProvisioned", "PolicyRefresh", "BadPolicyKey", "ExternallyManaged",
	"NoRecurrence", "UnexpectedClass", "RemoteHasNoSSL", "InvalidRequest", "ItemNotFound",
}

// Describe returns a human readable name of the status, for logs only.
func Describe(code int) string {
	if code < textStart || code > textEnd {
		return fmt.Sprintf("unknown (%v)", code)
	}

	return fmt.Sprintf("%v (%v)", statusText[code-textStart], code)
}
