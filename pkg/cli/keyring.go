package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName       = "com.secshell.sshkex"
	keyringPassphraseService = "keyPassphrase"
	keyringDirectory         = "~/.sshkex_keys"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// ReadSecret prompts for a secret on whichever of stdout or stderr is a terminal.
func ReadSecret(prompt string) ([]byte, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return nil, fmt.Errorf("no terminal output available for password prompt")
		} else {
			w = os.Stderr
		}
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(w)
	return b, nil
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	b, err := ReadSecret(prompt)
	if err != nil {
		return "", err
	}
	password := string(b)
	c.password = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	keyring.Debug = c.Debug
	return keyring.Open(c.Backend)
}

// fullKeyName identifies the passphrase item. Keys without an explicit name are identified by
// their absolute path.
func (c *Config) fullKeyName() string {
	name := c.KeyringKeyName
	if name == "" {
		name = c.KeyFilename
		if abs, err := filepath.Abs(name); err == nil {
			name = abs
		}
	}
	return keyringPassphraseService + "." + name
}

// LoadPassphraseFromKeyring reads the private key passphrase from the system keyring.
func (c *Config) LoadPassphraseFromKeyring() ([]byte, error) {
	if c.KeyringKeyName == "" && c.KeyFilename == "" {
		return nil, ErrNoKeySpecified
	}
	kr, err := c.openKeyring()
	if err != nil {
		return nil, err
	}
	item, err := kr.Get(c.fullKeyName())
	if err != nil {
		return nil, fmt.Errorf("could not load passphrase: %w", err)
	}
	return item.Data, nil
}

// SavePassphraseToKeyring writes the private key passphrase to the system keyring.
//
// The passphrase is identified by c.KeyringKeyName if set, otherwise by c.KeyFilename.
func (c *Config) SavePassphraseToKeyring(passphrase []byte) error {
	if c.KeyringKeyName == "" && c.KeyFilename == "" {
		return ErrNoKeySpecified
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	if err := kr.Set(keyring.Item{
		Key:   c.fullKeyName(),
		Label: "sshkex private key passphrase",
		Data:  passphrase,
	}); err != nil {
		return fmt.Errorf("failed to enroll passphrase in keyring: %s", err)
	}
	return nil
}

// DeletePassphrase removes the private key passphrase from the system keyring.
func (c *Config) DeletePassphrase() error {
	if c.KeyringKeyName == "" && c.KeyFilename == "" {
		return ErrNoKeySpecified
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullKeyName())
}
