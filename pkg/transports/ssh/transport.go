// Package ssh reaches into running machines over SSH: command execution
// plus SFTP file transfer. Connection details come from the machine's
// provider through the optional ConnectionProvider upgrade.
package ssh

import (
	"context"
	"os"

	"github.com/openrig/openrig/pkg/engine"
)

// Transport is the remote-access surface a connected client provides.
type Transport interface {
	// Connect establishes the SSH connection. Calling Connect on a live
	// connection verifies it and reconnects only if it is dead.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// IsConnected reports whether the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is alive and responsive.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs a command on the remote host and returns its
	// trimmed stdout and stderr.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// Upload copies a local file to the remote host via SFTP, creating
	// parent directories as needed. A non-zero mode is applied after the
	// copy.
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error

	// Download copies a remote file to the local filesystem via SFTP.
	Download(ctx context.Context, remotePath, localPath string) error

	// Checksum returns the SHA256 checksum of a remote file.
	Checksum(ctx context.Context, remotePath string) (string, error)
}

var _ Transport = (*Client)(nil)

// TransportError classifies a failed transport operation.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the operation may succeed if retried.
	IsTemporary bool

	// IsAuthError indicates the failure was an authentication rejection.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ForMachine builds a client for a machine whose provider exposes
// connection details. It returns nil without error when the backend has no
// connection surface or the machine is not provisioned yet; the caller
// owns Connect/Disconnect.
//
// Machine host keys are generated at provision time and never recorded, so
// the client skips known-hosts verification.
func ForMachine(ctx context.Context, m *engine.Machine) (*Client, error) {
	cp, ok := m.Provider().(engine.ConnectionProvider)
	if !ok || m.ID() == "" {
		return nil, nil
	}

	info, err := cp.ConnectionInfo(ctx)
	if err != nil {
		return nil, &TransportError{Op: "connection-info", Err: err}
	}
	if info == nil {
		return nil, nil
	}

	cfg := DefaultConfig(info.Host, info.User)
	cfg.StrictHostKeyChecking = false
	cfg.KnownHostsPath = ""
	if info.Port > 0 {
		cfg.Port = info.Port
	}

	switch {
	case info.PrivateKeyPath != "":
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = info.PrivateKeyPath
	case info.Password != "":
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = info.Password
	default:
		cfg.AuthMethod = AuthMethodAgent
	}

	return NewClient(cfg)
}
