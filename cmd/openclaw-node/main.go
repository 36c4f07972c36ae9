// ABOUTME: Node client that pairs with a gateway and holds a node-role session.
// ABOUTME: Usage: openclaw-node [-url ws://localhost:8787/ws] [-token SECRET] [-name NAME]

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/djtuls/openclaw-gateway/internal/deviceauth"
	"github.com/djtuls/openclaw-gateway/internal/protocol"
	"github.com/djtuls/openclaw-gateway/internal/retry"
)

func main() {
	gatewayURL := flag.String("url", "ws://localhost:8787/ws", "Gateway WebSocket URL")
	token := flag.String("token", os.Getenv("OPENCLAW_GATEWAY_TOKEN"), "Shared gateway secret")
	name := flag.String("name", hostnameOr("openclaw-node"), "Node display name")
	keyPath := flag.String("key", defaultKeyPath(), "Device key file (created on first run)")
	commands := flag.String("commands", "status", "Comma-separated command allowlist")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, logger, *gatewayURL, *token, *name, *keyPath, splitCommands(*commands)); err != nil {
		logger.Error("node exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, gatewayURL, token, name, keyPath string, commands []string) error {
	signer, err := loadOrCreateKey(keyPath)
	if err != nil {
		return fmt.Errorf("loading device key: %w", err)
	}
	deviceID := deviceauth.DeriveID(signer.PublicKey())
	logger.Info("device identity loaded", "device_id", deviceID, "key", keyPath)

	// Reconnect with backoff; pairing-pending rejections drop to plain
	// waiting since the operator has to act first.
	connector := retry.New(retry.Config{})
	for {
		err := connector.Connect(ctx, func(ctx context.Context) error {
			return session(ctx, logger, gatewayURL, token, name, signer, deviceID, commands)
		})
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("connection lost, retrying", "error", err)
	}
}

// session runs one connection from dial to disconnect.
func session(ctx context.Context, logger *slog.Logger, gatewayURL, token, name string, signer ssh.Signer, deviceID string, commands []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer ws.Close()

	nonce, err := readChallenge(ws)
	if err != nil {
		return err
	}

	clientID := "node-" + uuid.NewString()
	scopes := []string{}
	signedAt := time.Now().Unix()
	payload := deviceauth.Payload(deviceID, clientID, protocol.ModeService,
		protocol.RoleNode, scopes, signedAt, nonce, token)
	sig, err := deviceauth.Sign(signer, payload)
	if err != nil {
		return fmt.Errorf("signing device payload: %w", err)
	}

	params := protocol.ConnectParams{
		MinProtocol: protocol.Version,
		MaxProtocol: protocol.Version,
		Client: protocol.ClientInfo{
			ID:          clientID,
			Mode:        protocol.ModeService,
			DisplayName: name,
			Platform:    "go",
		},
		Role:     protocol.RoleNode,
		Scopes:   scopes,
		Commands: commands,
		Device: &protocol.DeviceBlock{
			ID:        deviceID,
			PublicKey: string(ssh.MarshalAuthorizedKey(signer.PublicKey())),
			Signature: sig,
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}
	if token != "" {
		params.Auth = &protocol.ConnectAuth{Token: token}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := ws.WriteJSON(protocol.RequestFrame{
		Type:   protocol.TypeRequest,
		ID:     "1",
		Method: protocol.MethodConnect,
		Params: raw,
	}); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	var resp struct {
		OK      bool                 `json:"ok"`
		Payload protocol.HelloOK     `json:"payload"`
		Error   *protocol.ErrorShape `json:"error"`
	}
	_ = ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	if err := ws.ReadJSON(&resp); err != nil {
		return fmt.Errorf("reading connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil && resp.Error.Code == protocol.CodeNotPaired {
			logger.Info("awaiting pairing approval", "device_id", deviceID)
			return fmt.Errorf("pairing pending")
		}
		return fmt.Errorf("connect rejected: %s", errorCode(resp.Error))
	}

	logger.Info("connected",
		"server_id", resp.Payload.ServerID,
		"protocol", resp.Payload.Protocol,
	)

	return serve(ctx, ws, logger)
}

// serve keeps the session alive with periodic pings until the connection
// drops or the context is canceled.
func serve(ctx context.Context, ws *websocket.Conn, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	seq := 1
	go func() {
		for range ticker.C {
			seq++
			_ = ws.WriteJSON(protocol.RequestFrame{
				Type:   protocol.TypeRequest,
				ID:     fmt.Sprintf("%d", seq),
				Method: "ping",
			})
		}
	}()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection closed: %w", err)
		}
		logger.Debug("frame received", "bytes", len(data))
	}
}

// readChallenge consumes the connect.challenge event the gateway sends on
// socket open.
func readChallenge(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var event struct {
		Type   string                   `json:"type"`
		Method string                   `json:"method"`
		Params protocol.ChallengeParams `json:"params"`
	}
	if err := ws.ReadJSON(&event); err != nil {
		return "", fmt.Errorf("reading challenge: %w", err)
	}
	if event.Type != protocol.TypeEvent || event.Method != protocol.EventChallenge {
		return "", fmt.Errorf("expected %s event, got %s %s", protocol.EventChallenge, event.Type, event.Method)
	}
	return event.Params.Nonce, nil
}

// loadOrCreateKey loads the node's ed25519 key, generating one on first run.
func loadOrCreateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in %s", path)
		}
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemData, 0600); err != nil {
		return nil, fmt.Errorf("writing key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

func defaultKeyPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "node_key.pem"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "openclaw", "node_key.pem")
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}

func splitCommands(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func errorCode(e *protocol.ErrorShape) string {
	if e == nil {
		return "unknown"
	}
	return e.Code
}
