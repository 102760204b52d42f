package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}

	if config.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", config.User)
	}

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}

	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}

	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}

	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}

	if config.CommandTimeout != 5*time.Minute {
		t.Errorf("expected command timeout 5m, got %v", config.CommandTimeout)
	}

	if config.KeepAliveInterval != 0 {
		t.Errorf("expected keep-alive disabled, got %v", config.KeepAliveInterval)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modifyFunc  func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
			expectError: false,
		},
		{
			name: "valid agent config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
			},
			expectError: false,
		},
		{
			name: "missing host",
			modifyFunc: func(c *Config) {
				c.Host = ""
			},
			expectError: true,
			errorMsg:    "host is required",
		},
		{
			name: "invalid port",
			modifyFunc: func(c *Config) {
				c.Port = 0
			},
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name: "port out of range",
			modifyFunc: func(c *Config) {
				c.Port = 70000
			},
			expectError: true,
			errorMsg:    "invalid port",
		},
		{
			name: "missing user",
			modifyFunc: func(c *Config) {
				c.User = ""
			},
			expectError: true,
			errorMsg:    "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			expectError: true,
			errorMsg:    "password is required",
		},
		{
			name: "key auth with missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			expectError: true,
			errorMsg:    "private key file not found",
		},
		{
			name: "unsupported auth method",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethod("kerberos")
			},
			expectError: true,
			errorMsg:    "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
				c.ConnectionTimeout = 0
			},
			expectError: true,
			errorMsg:    "connection timeout must be positive",
		},
		{
			name: "invalid command timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
				c.CommandTimeout = 0
			},
			expectError: true,
			errorMsg:    "command timeout must be positive",
		},
		{
			name: "negative keep-alive interval",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
				c.KeepAliveInterval = -time.Second
			},
			expectError: true,
			errorMsg:    "keep-alive interval must not be negative",
		},
		{
			name: "keep-alive enabled without retries",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodAgent
				c.KeepAliveInterval = 30 * time.Second
				c.MaxKeepAliveRetries = 0
			},
			expectError: true,
			errorMsg:    "max keep-alive retries must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing '%s', got: %v", tt.errorMsg, err)
				}
			} else if err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222

	expected := "example.com:2222"
	if address := config.Address(); address != expected {
		t.Errorf("expected address '%s', got '%s'", expected, address)
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.clientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}

		// Password auth also answers keyboard-interactive prompts.
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}

		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := writeTestKey(t)

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.clientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with unreadable key", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
		config.StrictHostKeyChecking = false

		_, err := config.clientConfig()
		if err == nil {
			t.Error("expected error for unreadable key, got nil")
		}
	})

	t.Run("agent authentication without agent", func(t *testing.T) {
		t.Setenv("SSH_AUTH_SOCK", "")

		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodAgent
		config.StrictHostKeyChecking = false

		_, err := config.clientConfig()
		if err == nil {
			t.Error("expected error without SSH agent, got nil")
		}
		if err != nil && !strings.Contains(err.Error(), "SSH_AUTH_SOCK") {
			t.Errorf("expected SSH_AUTH_SOCK error, got: %v", err)
		}
	})

	t.Run("missing known_hosts file", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = true
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		_, err := config.clientConfig()
		if err == nil {
			t.Error("expected error for missing known_hosts, got nil")
		}
	})
}

// writeTestKey generates an ED25519 private key and writes it in OpenSSH
// PEM format.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal test key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}
