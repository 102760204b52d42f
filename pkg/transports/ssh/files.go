package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload copies a local file to the remote host via SFTP. Parent
// directories are created as needed; a non-zero mode is applied after the
// copy.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer local.Close()

	sftpClient, err := c.sftpSession()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to create remote directory: %w", err),
			}
		}
	}

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remote.Close()

	written, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("path", remotePath).Msg("Failed to set remote file mode")
		}
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Msg("File uploaded")
	return nil
}

// Download copies a remote file to the local filesystem via SFTP.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	sftpClient, err := c.sftpSession()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Open(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to create local directory: %w", err),
		}
	}

	local, err := os.Create(localPath)
	if err != nil {
		return &TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to create local file: %w", err),
		}
	}
	defer local.Close()

	written, err := copyWithContext(ctx, local, remote)
	if err != nil {
		return &TransportError{Op: "download", Err: err, IsTemporary: true}
	}

	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Msg("File downloaded")
	return nil
}

// Checksum returns the SHA256 checksum of a remote file.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	stdout, stderr, err := c.ExecuteCommand(ctx, "sha256sum "+remotePath)
	if err != nil {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("failed to compute checksum: %s", stderr),
		}
	}

	// Output format: "<checksum>  <filename>".
	fields := strings.Fields(stdout)
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("invalid checksum output: %s", stdout),
		}
	}

	return fields[0], nil
}

// sftpSession starts an SFTP subsystem session on the live connection.
func (c *Client) sftpSession() (*sftp.Client, error) {
	conn, err := c.active()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to start sftp subsystem: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// copyWithContext copies src to dst, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if writeErr != nil {
				return written, writeErr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
