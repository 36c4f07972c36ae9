// Package deviceauth verifies SSH-signature device identity.
//
// A device is identified by the SHA-256 digest of its SSH public key in
// wire format, rendered as lowercase hex. To prove possession of the key
// the client signs a canonical payload binding the device ID, client ID,
// mode, role, scopes, a timestamp, the server-issued nonce, and the
// device token in use:
//
//	v1|deviceID|clientID|mode|role|scopes|signedAt|nonce|token
//
// Verification checks, in order: the public key parses, the key matches
// the claimed device ID, the timestamp is inside the acceptance window,
// the nonce redeems exactly once, and the signature verifies. A legacy
// payload without the nonce field is accepted only from loopback when
// the gateway allows it.
package deviceauth
