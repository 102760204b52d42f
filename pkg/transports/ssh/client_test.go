package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH server handling exec requests.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			// Any key is accepted.
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		command := string(req.Payload[4:]) // skip the length prefix
		if req.WantReply {
			req.Reply(true, nil)
		}

		switch command {
		case "true":
			channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
		case "echo test":
			channel.Write([]byte("test\n"))
			channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
		case "echo error >&2":
			channel.Stderr().Write([]byte("error\n"))
			channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
		case "exit 1":
			channel.SendRequest("exit-status", false, []byte{0, 0, 0, 1})
		default:
			channel.Write([]byte("command: " + command + "\n"))
			channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
		}
		return
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// testClientConfig builds a password-auth config against the test server.
func testClientConfig(t *testing.T, server *testSSHServer) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(server.addr)
	if err != nil {
		t.Fatalf("failed to split server address: %v", err)
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	return config
}

func connectTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	client, err := NewClient(testClientConfig(t, server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	// Connect on a live connection verifies and returns.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect on live connection failed: %v", err)
	}
}

func TestClientConnectCancelled(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewClient(testClientConfig(t, server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Connect(ctx)
	if err == nil {
		_ = client.Disconnect()
		t.Fatal("expected error for cancelled connect")
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !terr.IsTemporary {
		t.Error("expected cancelled connect to be temporary")
	}
}

func TestClientAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)

	config := testClientConfig(t, server)
	config.Password = "wrongpass"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		_ = client.Disconnect()
		t.Fatal("expected authentication error")
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !terr.IsAuthError {
		t.Errorf("expected auth error classification, got: %+v", terr)
	}
	if terr.IsTemporary {
		t.Error("expected auth failure to be permanent")
	}
}

func TestClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestClientHealthCheckDisconnected(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewClient(testClientConfig(t, server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("expected error for disconnected health check")
	}
}

func TestClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	// Disconnecting twice is a no-op.
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect failed: %v", err)
	}

	if _, _, err := client.ExecuteCommand(context.Background(), "true"); err == nil {
		t.Error("expected error executing on disconnected client")
	}
}

func TestClientExecuteCommand(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectError    bool
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:        "non-zero exit",
			command:     "exit 1",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := client.ExecuteCommand(ctx, tt.command)

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var terr *TransportError
				if !errors.As(err, &terr) {
					t.Fatalf("expected TransportError, got %T", err)
				}
				if terr.IsTemporary {
					t.Error("expected non-zero exit to be permanent")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, stdout)
			}
			if stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, stderr)
			}
		})
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)

	config := testClientConfig(t, server)
	config.AuthMethod = AuthMethodKey
	config.Password = ""
	config.PrivateKeyPath = writeTestKey(t)

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}
