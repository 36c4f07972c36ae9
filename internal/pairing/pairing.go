// ABOUTME: Pairing types, store interface, and the gate deciding device admission
// ABOUTME: Drives the request -> silent-approve or await-approval -> reject/retry lifecycle

package pairing

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrDeviceNotFound is returned when no paired device exists for an ID.
var ErrDeviceNotFound = errors.New("device not found")

// ErrRequestNotFound is returned when a pairing request ID is unknown.
var ErrRequestNotFound = errors.New("pairing request not found")

// Device is the durable identity of a paired device, keyed by the ID
// derived from its public key. Only the pairing flow mutates it.
type Device struct {
	ID            string
	PublicKey     string
	DisplayName   string
	Platform      string
	ClientVersion string
	Roles         []string
	Scopes        []string
	RemoteIP      string
	PairedAt      time.Time
	UpdatedAt     time.Time
}

// HasRole reports whether the device was previously granted the role.
func (d *Device) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScopes reports whether every requested scope was previously granted.
func (d *Device) HasScopes(scopes []string) bool {
	granted := make(map[string]bool, len(d.Scopes))
	for _, s := range d.Scopes {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Meta is the display and connection metadata captured with a pairing
// request or refreshed on reconnect.
type Meta struct {
	DisplayName   string
	Platform      string
	ClientVersion string
	Role          string
	Scopes        []string
	RemoteIP      string
	// Silent marks a trusted-local connection eligible for auto-approval
	// without a human.
	Silent bool
}

// Request is an ephemeral pairing request awaiting resolution.
type Request struct {
	ID            string
	DeviceID      string
	PublicKey     string
	DisplayName   string
	Platform      string
	ClientVersion string
	Role          string
	Scopes        []string
	RemoteIP      string
	Silent        bool
	CreatedAt     time.Time
}

// Store is the durable pairing collaborator. RequestPairing reports whether
// the request was newly created or was already pending.
type Store interface {
	RequestPairing(ctx context.Context, deviceID, publicKey string, meta Meta) (req *Request, created bool, err error)
	ApprovePairing(ctx context.Context, requestID string) (*Device, error)
	RejectPairing(ctx context.Context, requestID string) error
	GetPairedDevice(ctx context.Context, deviceID string) (*Device, error)
	UpdateDeviceMetadata(ctx context.Context, deviceID string, meta Meta) error
	ListPendingRequests(ctx context.Context) ([]*Request, error)
}

// Decision is the gate's verdict for one verified device.
type Decision struct {
	// Paired is true when the connection may proceed; Device is then set.
	Paired bool
	Device *Device
	// Pending carries the request awaiting operator approval when Paired
	// is false. Created distinguishes a new request from one already
	// pending, so operators are only notified once.
	Pending *Request
	Created bool
}

// Gate decides whether a verified device may proceed or must await an
// explicit pairing approval.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate creates a Gate over the given store.
func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger.With("component", "pairing")}
}

// Evaluate runs the pairing lifecycle for a device whose identity has
// already been verified:
//   - unknown device: create a request; auto-approve when the connection is
//     trusted-local, otherwise leave it pending for an operator
//   - known device asking beyond its granted role/scopes: same flow, as an
//     upgrade request rather than a silent escalation
//   - known, sufficiently-granted device: refresh metadata and proceed
func (g *Gate) Evaluate(ctx context.Context, deviceID, publicKey string, meta Meta) (*Decision, error) {
	dev, err := g.store.GetPairedDevice(ctx, deviceID)
	switch {
	case err == nil:
		if dev.HasRole(meta.Role) && dev.HasScopes(meta.Scopes) {
			if err := g.store.UpdateDeviceMetadata(ctx, deviceID, meta); err != nil {
				return nil, err
			}
			dev, err = g.store.GetPairedDevice(ctx, deviceID)
			if err != nil {
				return nil, err
			}
			return &Decision{Paired: true, Device: dev}, nil
		}
		g.logger.Info("device requesting upgrade",
			"device_id", deviceID,
			"role", meta.Role,
			"scopes", meta.Scopes,
		)
	case errors.Is(err, ErrDeviceNotFound):
		// First contact, fall through to the request flow.
	default:
		return nil, err
	}

	req, created, err := g.store.RequestPairing(ctx, deviceID, publicKey, meta)
	if err != nil {
		return nil, err
	}

	if meta.Silent {
		dev, err := g.store.ApprovePairing(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		g.logger.Info("pairing auto-approved for trusted-local device",
			"device_id", deviceID,
			"request_id", req.ID,
		)
		return &Decision{Paired: true, Device: dev}, nil
	}

	g.logger.Info("pairing approval required",
		"device_id", deviceID,
		"request_id", req.ID,
		"created", created,
	)
	return &Decision{Pending: req, Created: created}, nil
}
