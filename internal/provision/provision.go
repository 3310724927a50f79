// Package provision negotiates the device security policy with the server.
package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ProtonMail/airsync/connector"
	"github.com/ProtonMail/airsync/internal/command"
	"github.com/ProtonMail/airsync/internal/status"
	"github.com/ProtonMail/airsync/observability"
	"github.com/ProtonMail/airsync/observability/metrics"
	"github.com/ProtonMail/airsync/reporter"
	"github.com/ProtonMail/airsync/version"
	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRequestFailed is returned when a provisioning command could not be completed. Nothing was committed.
	ErrRequestFailed = errors.New("provisioning request failed")

	// ErrUnsupportable is returned when the device cannot enforce the policy and the server refused a partial one.
	ErrUnsupportable = errors.New("security policy is not supported by the device")

	// ErrPolicyNotActive is returned when the device does not satisfy the policy yet.
	ErrPolicyNotActive = errors.New("security policy is not active on the device")

	// ErrRemoteWipe is returned after the server ordered a remote wipe.
	ErrRemoteWipe = errors.New("remote wipe requested")
)

const (
	PolicyTypeWBXML = "MS-EAS-Provisioning-WBXML"
	PolicyTypeXML   = "MS-WAP-Provisioning-XML"

	provisionStatusOK = 1
)

// Executor sends the provisioning commands.
type Executor interface {
	Execute(ctx context.Context, cmd connector.Command) (*connector.Response, error)
	SetPolicyKey(key string)
	ProtocolVersion() string
}

// Codec serializes the provisioning commands.
type Codec interface {
	EncodeProvision(req connector.ProvisionRequest) ([]byte, error)
	ParseProvision(body []byte) (connector.ProvisionResult, error)
}

// Halter stops the syncs of an account.
type Halter interface {
	StopNonAccountSyncs(accountID string)
}

// Result is the outcome of a negotiation.
type Result struct {
	PolicyKey string
	Policy    connector.Policy

	// Trace lists the states the negotiation went through.
	Trace []State
}

// Negotiator negotiates the security policy of one account at a time.
type Negotiator struct {
	exec   Executor
	codec  Codec
	store  connector.Store
	device connector.Device
	halter Halter

	// group coalesces concurrent negotiations of the same account.
	group   *singleflight.Group
	timeout time.Duration
}

// New returns a negotiator. Negotiators sharing a group never negotiate the same account concurrently.
func New(
	exec Executor,
	codec Codec,
	store connector.Store,
	device connector.Device,
	halter Halter,
	group *singleflight.Group,
	timeout time.Duration,
) *Negotiator {
	if group == nil {
		group = new(singleflight.Group)
	}

	return &Negotiator{
		exec:    exec,
		codec:   codec,
		store:   store,
		device:  device,
		halter:  halter,
		group:   group,
		timeout: timeout,
	}
}

// Negotiate runs one full negotiation for the account.
func (n *Negotiator) Negotiate(ctx context.Context, accountID string) (Result, error) {
	v, err, shared := n.group.Do(accountID, func() (any, error) {
		return n.negotiate(ctx, accountID)
	})

	res, _ := v.(Result)

	// The negotiation may have run on another executor.
	if shared && err == nil {
		logrus.WithField("pkg", "provision").WithField("accountID", accountID).Debug("Joined running negotiation")
		n.exec.SetPolicyKey(res.PolicyKey)
	}

	return res, err
}

type negotiation struct {
	*Negotiator

	accountID string
	protocol  version.Protocol
	trace     []State
	log       *logrus.Entry
}

func (n *Negotiator) negotiate(ctx context.Context, accountID string) (Result, error) {
	neg := &negotiation{
		Negotiator: n,
		accountID:  accountID,
		protocol:   version.MustParseProtocol(n.exec.ProtocolVersion()),
		trace:      []State{Start},
		log:        logrus.WithField("pkg", "provision").WithField("accountID", accountID),
	}

	res, err := neg.run(ctx)

	res.Trace = neg.trace

	if err != nil {
		neg.log.WithError(err).WithField("trace", neg.trace).Warn("Provisioning failed")

		if !errors.Is(err, ErrRemoteWipe) {
			observability.AddProtocolMetric(ctx, metrics.GenerateProvisioningFailedMetric())
		}
	}

	return res, err
}

func (neg *negotiation) enter(state State) {
	neg.trace = append(neg.trace, state)
	neg.log.WithField("state", state).Debug("Provisioning state")
}

func (neg *negotiation) run(ctx context.Context) (Result, error) {
	policyType := PolicyTypeXML
	if neg.protocol.AtLeast(version.Protocol120) {
		policyType = PolicyTypeWBXML
	}

	provisioned, err := neg.send(ctx, connector.ProvisionRequest{PolicyType: policyType})
	if err != nil {
		return Result{}, err
	}

	neg.enter(PoliciesRequested)

	if provisioned.RemoteWipe {
		return Result{}, neg.remoteWipe(ctx, policyType)
	}

	if provisioned.PolicyKey == "" {
		return Result{}, fmt.Errorf("%w: no policy key issued", ErrRequestFailed)
	}

	var policy connector.Policy

	if provisioned.Policy != nil {
		policy = *provisioned.Policy
	}

	tempKey, finalKey := provisioned.PolicyKey, ""

	unsupported := xslices.Filter(policy.Requirements, func(req connector.Requirement) bool {
		return !neg.device.Supports(req)
	})

	if len(unsupported) == 0 {
		neg.enter(Supportable)

		// Protocol 14.0 wants the final key before any other command.
		if neg.protocol.AtLeast(version.Protocol140) {
			key, err := neg.acknowledge(ctx, policyType, tempKey, connector.ProvisionStatusOK)
			if err != nil {
				return Result{}, err
			}

			finalKey = key
		}
	} else {
		neg.enter(Unsupportable)

		neg.log.WithField("unsupported", unsupported).Info("Device cannot enforce every requirement, trying partial acknowledgement")

		if _, err := neg.acknowledge(ctx, policyType, tempKey, connector.ProvisionStatusPartial); err != nil {
			if command.IsTransportError(err) {
				return Result{}, err
			}

			neg.hold(ctx)

			return Result{}, fmt.Errorf("%w: partial acknowledgement refused: %v", ErrUnsupportable, err)
		}

		neg.enter(PartiallySupportable)

		policy.Requirements = xslices.Filter(policy.Requirements, func(req connector.Requirement) bool {
			return neg.device.Supports(req)
		})
	}

	if !neg.device.IsActive(policy) {
		neg.hold(ctx)

		return Result{}, ErrPolicyNotActive
	}

	if finalKey == "" {
		key, err := neg.acknowledge(ctx, policyType, tempKey, connector.ProvisionStatusOK)
		if err != nil {
			return Result{}, err
		}

		finalKey = key
	}

	neg.enter(Acknowledged)

	if err := neg.commit(ctx, policy, finalKey); err != nil {
		return Result{}, err
	}

	neg.enter(Active)
	neg.enter(Done)

	neg.log.Info("Security policy is active")

	return Result{PolicyKey: finalKey, Policy: policy}, nil
}

// send issues one Provision command. Every failure, including a non-success status, is an ErrRequestFailed.
func (neg *negotiation) send(ctx context.Context, req connector.ProvisionRequest) (connector.ProvisionResult, error) {
	body, err := neg.codec.EncodeProvision(req)
	if err != nil {
		return connector.ProvisionResult{}, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	res, err := neg.exec.Execute(ctx, connector.Command{
		Name:    connector.CmdProvision,
		Body:    body,
		Timeout: neg.timeout,
	})
	if err != nil {
		return connector.ProvisionResult{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	if status.IsAuthError(res.Status) && !status.IsProvisionError(res.Status) {
		return connector.ProvisionResult{}, fmt.Errorf("%w: %w", ErrRequestFailed, command.ErrAuth)
	}

	if res.Status != http.StatusOK || res.IsEmpty() {
		return connector.ProvisionResult{}, fmt.Errorf("%w: HTTP %v", ErrRequestFailed, res.Status)
	}

	parsed, err := neg.codec.ParseProvision(res.Body)
	if err != nil {
		return connector.ProvisionResult{}, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}

	if parsed.Status != provisionStatusOK && !parsed.RemoteWipe {
		return connector.ProvisionResult{}, fmt.Errorf("%w: status %v", ErrRequestFailed, parsed.Status)
	}

	return parsed, nil
}

func (neg *negotiation) acknowledge(ctx context.Context, policyType, key, ackStatus string) (string, error) {
	res, err := neg.send(ctx, connector.ProvisionRequest{
		PolicyType: policyType,
		PolicyKey:  key,
		Status:     ackStatus,
	})
	if err != nil {
		return "", err
	}

	if res.PolicyKey == "" {
		return "", fmt.Errorf("%w: acknowledgement returned no policy key", ErrRequestFailed)
	}

	return res.PolicyKey, nil
}

// remoteWipe acknowledges the wipe on a best effort basis, then wipes the device whatever happened.
func (neg *negotiation) remoteWipe(ctx context.Context, policyType string) error {
	neg.enter(RemoteWiped)

	neg.log.Warn("Server requested a remote wipe")

	reporter.MessageWithContext(ctx, "Remote wipe requested", reporter.Context{"accountID": neg.accountID})
	observability.AddOtherMetric(ctx, metrics.GenerateRemoteWipeMetric())

	neg.hold(ctx)

	if neg.halter != nil {
		neg.halter.StopNonAccountSyncs(neg.accountID)
	}

	if _, err := neg.send(ctx, connector.ProvisionRequest{
		PolicyType: policyType,
		Status:     connector.ProvisionStatusOK,
		RemoteWipe: true,
	}); err != nil {
		neg.log.WithError(err).Warn("Failed to acknowledge remote wipe")
	}

	if err := neg.device.Wipe(ctx); err != nil {
		neg.log.WithError(err).Error("Failed to wipe device")
		return fmt.Errorf("%w: %v", ErrRemoteWipe, err)
	}

	return ErrRemoteWipe
}

func (neg *negotiation) hold(ctx context.Context) {
	if err := neg.store.SetSecurityHold(ctx, neg.accountID, true); err != nil {
		neg.log.WithError(err).Error("Failed to set security hold")
	}
}

func (neg *negotiation) commit(ctx context.Context, policy connector.Policy, key string) error {
	prev, err := neg.store.GetPolicy(ctx, neg.accountID)
	if err != nil {
		return fmt.Errorf("failed to load previous policy: %w", err)
	}

	if err := neg.store.CommitPolicy(ctx, neg.accountID, &policy, key); err != nil {
		return fmt.Errorf("failed to store policy: %w", err)
	}

	neg.exec.SetPolicyKey(key)

	var previous connector.Policy

	if prev != nil {
		previous = *prev
	}

	if previous.AttachmentsDiffer(policy) {
		if err := neg.device.FlagAttachmentsForPolicy(ctx, neg.accountID, policy); err != nil {
			neg.log.WithError(err).Warn("Failed to flag attachments violating the new policy")
		}
	}

	return nil
}
