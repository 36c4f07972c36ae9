// ABOUTME: Connect handshake payloads: the single connect request and the hello-ok reply
// ABOUTME: Covers protocol range, client descriptor, auth, device block, role and scopes

package protocol

import (
	"encoding/json"
	"fmt"
)

// Roles a connection can negotiate. Anything else is rejected.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// Client modes drive origin and secure-context checks.
const (
	ModeBrowser = "browser"
	ModeCLI     = "cli"
	ModeService = "service"
)

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	Mode        string `json:"mode"`
	Version     string `json:"version,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// ConnectAuth carries shared-secret credentials.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceBlock is the self-asserted device identity, signed by the device key.
type DeviceBlock struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// ConnectParams is the params object of the single connect request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
	Device      *DeviceBlock `json:"device,omitempty"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes,omitempty"`
	Commands    []string     `json:"commands,omitempty"`
}

// ParseConnectParams decodes the params of a connect request and normalizes
// them. Scopes are default-deny: absent or malformed scope lists become
// empty, never "all".
func ParseConnectParams(raw json.RawMessage) (*ConnectParams, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("connect params required")
	}
	var params ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decoding connect params: %w", err)
	}
	if params.Client.ID == "" {
		return nil, fmt.Errorf("client.id required")
	}
	if params.Scopes == nil {
		params.Scopes = []string{}
	}
	scopes := params.Scopes[:0]
	for _, s := range params.Scopes {
		if s != "" {
			scopes = append(scopes, s)
		}
	}
	params.Scopes = scopes
	return &params, nil
}

// AuthGrant is the optional issued-credential block of a hello-ok payload.
type AuthGrant struct {
	DeviceToken string   `json:"deviceToken"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	IssuedAt    int64    `json:"issuedAt"`
}

// Limits advertises resource policy to the client.
type Limits struct {
	MaxPayloadBytes  int `json:"maxPayloadBytes"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}

// HelloOK is the capability snapshot returned on a successful handshake.
type HelloOK struct {
	Protocol int        `json:"protocol"`
	ServerID string     `json:"serverId"`
	Methods  []string   `json:"methods"`
	Events   []string   `json:"events"`
	Limits   Limits     `json:"limits"`
	Auth     *AuthGrant `json:"auth,omitempty"`
}

// ChallengeParams is the payload of the connect.challenge event.
type ChallengeParams struct {
	Nonce    string `json:"nonce"`
	IssuedAt int64  `json:"issuedAt"`
}

// PairingPendingDetails rides in the not-paired error so a client can retry
// once an operator approves the request.
type PairingPendingDetails struct {
	RequestID string `json:"requestId"`
}
