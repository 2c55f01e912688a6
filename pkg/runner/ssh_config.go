package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"
)

// SSHConfig holds the connection settings of an SSHRunner.
type SSHConfig struct {
	// Host is the remote hostname or IP address
	Host string `mapstructure:"host" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// User is the SSH username
	User string `mapstructure:"user" validate:"required"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `mapstructure:"auth_method" validate:"oneof=password key"`

	// Password for password-based authentication
	Password string `mapstructure:"password"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `mapstructure:"private_key_path"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `mapstructure:"known_hosts_path"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts
	StrictHostKeyChecking bool `mapstructure:"strict_host_key_checking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" validate:"gt=0"`
}

// DefaultSSHConfig returns an SSHConfig with sensible defaults.
func DefaultSSHConfig(host, user string) *SSHConfig {
	return &SSHConfig{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
	}
}

var validate = validator.New()

// Validate checks if the configuration is valid.
func (c *SSHConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid ssh config: %w", err)
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, keyPath := range []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
				filepath.Join(home, ".ssh", "id_ecdsa"),
			} {
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	}
	return nil
}

// ClientConfig creates an ssh.ClientConfig from the SSHConfig.
func (c *SSHConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth, ssh.Password(c.Password))
		// Many servers only offer keyboard-interactive for password prompts.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *SSHConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns the connection target without credentials.
func (c *SSHConfig) String() string {
	return fmt.Sprintf("%s@%s", c.User, c.Address())
}
