package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Capability names a host function group a plugin may be granted.
type Capability string

const (
	// CapabilityNetOutbound allows outbound HTTP requests.
	CapabilityNetOutbound Capability = "net:outbound"

	// CapabilityFSTemp allows scratch files under the host temp dir.
	CapabilityFSTemp Capability = "fs:temp"

	// CapabilityFSRead allows reading non-sensitive host files.
	CapabilityFSRead Capability = "fs:read"

	// CapabilityFSWrite allows writing outside sensitive host paths.
	CapabilityFSWrite Capability = "fs:write"

	// CapabilityEnvRead allows reading non-sensitive environment variables.
	CapabilityEnvRead Capability = "env:read"

	// CapabilitySecretsRead allows decrypting secrets through the host.
	CapabilitySecretsRead Capability = "secrets:read"
)

// CapabilityEnforcer gates host functions behind the capability set a
// plugin manifest declared. Every host call checks the grant before
// touching the host.
type CapabilityEnforcer struct {
	// granted is the capability set from the manifest.
	granted map[string]bool

	// httpClient serves net:outbound requests.
	httpClient *http.Client

	// tempDir is the scratch directory for fs:temp.
	tempDir string

	// secretsDecryptor decrypts secrets for secrets:read.
	secretsDecryptor func(encrypted string) (string, error)
}

// NewCapabilityEnforcer creates an enforcer granting the listed
// capabilities.
func NewCapabilityEnforcer(capabilities []string, tempDir string) *CapabilityEnforcer {
	enforcer := &CapabilityEnforcer{
		granted: make(map[string]bool, len(capabilities)),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tempDir: tempDir,
	}

	for _, cap := range capabilities {
		enforcer.granted[cap] = true
	}

	return enforcer
}

// SetSecretsDecryptor sets the secrets decryption function.
func (e *CapabilityEnforcer) SetSecretsDecryptor(fn func(string) (string, error)) {
	e.secretsDecryptor = fn
}

// HasCapability reports whether a capability is granted.
func (e *CapabilityEnforcer) HasCapability(capability Capability) bool {
	return e.granted[string(capability)]
}

// ValidateCapabilities checks that every requested capability is
// granted.
func (e *CapabilityEnforcer) ValidateCapabilities(requested []string) error {
	var missing []string
	for _, cap := range requested {
		if !e.granted[cap] {
			missing = append(missing, cap)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v", missing)
	}

	return nil
}

// HTTPRequest performs an outbound HTTP request under net:outbound.
func (e *CapabilityEnforcer) HTTPRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	if !e.HasCapability(CapabilityNetOutbound) {
		return nil, fmt.Errorf("capability net:outbound not granted")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	return resp, nil
}

// WriteTempFile writes a scratch file under fs:temp.
func (e *CapabilityEnforcer) WriteTempFile(name string, data []byte) error {
	if !e.HasCapability(CapabilityFSTemp) {
		return fmt.Errorf("capability fs:temp not granted")
	}

	path, err := e.tempPath(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.tempDir, 0750); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	return nil
}

// ReadTempFile reads a scratch file under fs:temp.
func (e *CapabilityEnforcer) ReadTempFile(name string) ([]byte, error) {
	if !e.HasCapability(CapabilityFSTemp) {
		return nil, fmt.Errorf("capability fs:temp not granted")
	}

	path, err := e.tempPath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read temp file: %w", err)
	}

	return data, nil
}

// DeleteTempFile removes a scratch file under fs:temp.
func (e *CapabilityEnforcer) DeleteTempFile(name string) error {
	if !e.HasCapability(CapabilityFSTemp) {
		return fmt.Errorf("capability fs:temp not granted")
	}

	path, err := e.tempPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete temp file: %w", err)
	}

	return nil
}

// ListTempFiles lists scratch files under fs:temp.
func (e *CapabilityEnforcer) ListTempFiles() ([]string, error) {
	if !e.HasCapability(CapabilityFSTemp) {
		return nil, fmt.Errorf("capability fs:temp not granted")
	}

	entries, err := os.ReadDir(e.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list temp files: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

// tempPath resolves a scratch file name inside the temp dir and rejects
// path traversal.
func (e *CapabilityEnforcer) tempPath(name string) (string, error) {
	path := filepath.Join(e.tempDir, name)
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(e.tempDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file path: path traversal detected")
	}
	return path, nil
}

// ReadFile reads a host file under fs:read.
func (e *CapabilityEnforcer) ReadFile(path string) ([]byte, error) {
	if !e.HasCapability(CapabilityFSRead) {
		return nil, fmt.Errorf("capability fs:read not granted")
	}

	if isSensitiveFile(path) {
		return nil, fmt.Errorf("access to sensitive file denied: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// WriteFile writes a host file under fs:write.
func (e *CapabilityEnforcer) WriteFile(path string, data []byte, perm os.FileMode) error {
	if !e.HasCapability(CapabilityFSWrite) {
		return fmt.Errorf("capability fs:write not granted")
	}

	if isSensitivePath(path) {
		return fmt.Errorf("access to sensitive path denied: %s", path)
	}

	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// ReadEnv reads an environment variable under env:read.
func (e *CapabilityEnforcer) ReadEnv(key string) (string, error) {
	if !e.HasCapability(CapabilityEnvRead) {
		return "", fmt.Errorf("capability env:read not granted")
	}

	if isSensitiveEnvVar(key) {
		return "", fmt.Errorf("access to sensitive environment variable denied: %s", key)
	}

	return os.Getenv(key), nil
}

// DecryptSecret decrypts a secret under secrets:read.
func (e *CapabilityEnforcer) DecryptSecret(encrypted string) (string, error) {
	if !e.HasCapability(CapabilitySecretsRead) {
		return "", fmt.Errorf("capability secrets:read not granted")
	}

	if e.secretsDecryptor == nil {
		return "", fmt.Errorf("secrets decryptor not configured")
	}

	decrypted, err := e.secretsDecryptor(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return decrypted, nil
}

// Cleanup removes the scratch directory.
func (e *CapabilityEnforcer) Cleanup() error {
	if !e.HasCapability(CapabilityFSTemp) {
		return nil
	}

	if err := os.RemoveAll(e.tempDir); err != nil {
		return fmt.Errorf("failed to clean up temp directory: %w", err)
	}

	return nil
}

// isSensitiveFile reports whether a file path must stay unreadable to
// plugins.
func isSensitiveFile(path string) bool {
	sensitive := []string{
		"/etc/shadow",
		"/etc/passwd",
		"/root/.ssh",
		"/.aws/credentials",
		"/.kube/config",
		"/.ssh/id_",
	}

	cleanPath := filepath.Clean(path)
	for _, s := range sensitive {
		if strings.Contains(cleanPath, s) {
			return true
		}
	}

	return false
}

// isSensitivePath reports whether a directory must stay unwritable to
// plugins.
func isSensitivePath(path string) bool {
	sensitive := []string{
		"/etc",
		"/root",
		"/sys",
		"/proc",
		"/dev",
	}

	cleanPath := filepath.Clean(path)
	for _, s := range sensitive {
		if cleanPath == s || strings.HasPrefix(cleanPath, s+string(filepath.Separator)) {
			return true
		}
	}

	return false
}

// isSensitiveEnvVar reports whether an environment variable must stay
// hidden from plugins.
func isSensitiveEnvVar(key string) bool {
	sensitive := []string{
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"GITHUB_TOKEN",
		"GITLAB_TOKEN",
		"SSH_PRIVATE_KEY",
		"PASSWORD",
		"API_KEY",
		"SECRET",
		"TOKEN",
	}

	upperKey := strings.ToUpper(key)
	for _, s := range sensitive {
		if strings.Contains(upperKey, s) {
			return true
		}
	}

	return false
}
