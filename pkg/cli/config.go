/*
Package cli facilitates building command-line applications that run SSH key exchanges. It defines
a [Config] type that can be used to register common command-line flags (using the Golang flag
package) and environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (private key
passphrases) in an OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for host keys, known hosts, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Prompt for passphrases if needed

	clientConfig, err := config.ClientConfig()
	if err != nil {
		panic(err)
	}
	defer config.UpdateKnownHosts()

Use a [Flag] mask to control what [Config] fields are populated. Note that config.Flags must be
set before calling [flag.Parse] or [Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagPrivateKey | FlagKex)   // A server: host key and algorithms.
	config, err = NewConfig(FlagKnownHosts | FlagKex)   // A client: known hosts and algorithms.
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/knownhosts"
	"github.com/secshell/sshkex/pkg/protocol"
	"github.com/secshell/sshkex/pkg/sshkex"
	"github.com/secshell/sshkex/pkg/sshkey"
)

// KexList is used to translate kex algorithm names provided at the command line into native
// protocol.KexType values.
type KexList []protocol.KexType

// Set updates a KexList from a command-line argument. The argument may be a comma-separated list.
func (k *KexList) Set(value string) error {
	for _, name := range strings.Split(value, ",") {
		kexType, err := protocol.ParseKexType(strings.ToLower(name))
		if err != nil {
			return fmt.Errorf("unknown kex algorithm '%s'", name)
		}
		*k = append(*k, kexType)
	}
	return nil
}

func (k *KexList) String() string {
	var names []string
	for _, kexType := range *k {
		names = append(names, kexType.String())
	}
	return strings.Join(names, ",")
}

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvKeyName       = "SSHKEX_KEY_NAME"
	EnvKeyFile       = "SSHKEX_KEY_FILE"
	EnvKnownHosts    = "SSHKEX_KNOWN_HOSTS"
	EnvTrustOnFirst  = "SSHKEX_TOFU"
	EnvKex           = "SSHKEX_KEX"
	EnvKeyringType   = "SSHKEX_KEYRING_TYPE"
	EnvKeyringPass   = "SSHKEX_KEYRING_PASSWORD"
	EnvKeyringPath   = "SSHKEX_KEYRING_PATH"
	EnvKeyringDebug  = "SSHKEX_KEYRING_DEBUG"
	EnvLogLevel      = "SSHKEX_LOG"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagPrivateKey Flag = 1 // Enable private key options. Required for servers.
	FlagKnownHosts Flag = 2 // Enable known hosts options. Used by clients.
	FlagKex        Flag = 4 // Enable algorithm selection options.
	FlagAll        Flag = FlagPrivateKey | FlagKnownHosts | FlagKex
)

var (
	ErrNoKeySpecified = errors.New("private key location not provided")
	ErrKeyNotFound    = keyring.ErrKeyNotFound
)

// Config fields determine how a key exchange authenticates hosts.
type Config struct {
	Flags              Flag   // Controls which set of environment variables/CLI flags to use.
	KeyringKeyName     string // Name under which the private key's passphrase is stored
	KeyFilename        string
	KnownHostsFilename string
	TrustOnFirstUse    bool
	KexAlgorithms      KexList
	Backend            keyring.Config
	BackendType        backendType
	Debug              bool // Enable keyring debug messages

	password   *string
	signer     ssh.Signer
	knownHosts *knownhosts.HostCache
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagPrivateKey) {
		flag.StringVar(&c.KeyringKeyName, "key-name", "", "System keyring `name` for the private key passphrase. Defaults to $SSHKEX_KEY_NAME.")
		flag.StringVar(&c.KeyFilename, "key-file", "", "A `file` containing an SSH private key. Defaults to $SSHKEX_KEY_FILE.")
	}
	if c.Flags.isSet(FlagKnownHosts) {
		flag.StringVar(&c.KnownHostsFilename, "known-hosts", "", "Load trusted host keys from `file`. Defaults to $SSHKEX_KNOWN_HOSTS.")
		flag.BoolVar(&c.TrustOnFirstUse, "tofu", false, "Trust and record host keys of hosts not yet in the known hosts file")
	}
	if c.Flags.isSet(FlagKex) {
		flag.Var(&c.KexAlgorithms, "kex", "Kex `algorithms` in order of preference (can be repeated; omit for defaults)")
	}
	if c.Flags.isSet(FlagPrivateKey) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $SSHKEX_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// LoadCredentials loads the private key, prompting for a passphrase if needed. Call this method
// before accepting connections to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagPrivateKey) && c.KeyFilename != "" {
		if _, err := c.Signer(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagPrivateKey) {
		if c.KeyringKeyName == "" && c.KeyFilename == "" {
			c.KeyringKeyName = os.Getenv(EnvKeyName)
			log.Debug("Set key name to '%s'", c.KeyringKeyName)

			c.KeyFilename = os.Getenv(EnvKeyFile)
			log.Debug("Set key file to '%s'", c.KeyFilename)
		}
	}
	if c.Flags.isSet(FlagKnownHosts) {
		if c.KnownHostsFilename == "" {
			c.KnownHostsFilename = os.Getenv(EnvKnownHosts)
			log.Debug("Set known hosts file to '%s'", c.KnownHostsFilename)
		}
		if !c.TrustOnFirstUse {
			_, c.TrustOnFirstUse = os.LookupEnv(EnvTrustOnFirst)
			log.Debug("Set trust on first use to '%v'", c.TrustOnFirstUse)
		}
	}
	if c.Flags.isSet(FlagKex) {
		if len(c.KexAlgorithms) == 0 {
			if value := os.Getenv(EnvKex); value != "" {
				if err := c.KexAlgorithms.Set(value); err != nil {
					log.Warning("Ignoring $%s: %s", EnvKex, err)
					c.KexAlgorithms = nil
				} else {
					log.Debug("Set kex algorithms to '%s'", c.KexAlgorithms.String())
				}
			}
		}
	}
	if c.Flags.isSet(FlagPrivateKey) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// Signer loads the private key from c.KeyFilename. Encrypted keys are unlocked with a passphrase
// from the system keyring, falling back to an interactive prompt.
//
// The key is cached after it is first loaded, and subsequent calls will always return the same
// Signer.
func (c *Config) Signer() (ssh.Signer, error) {
	if c.signer != nil {
		return c.signer, nil
	}
	if !c.Flags.isSet(FlagPrivateKey) {
		log.Debug("Skipping private key loading because FlagPrivateKey is not set")
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename == "" {
		return nil, ErrNoKeySpecified
	}
	contents, err := os.ReadFile(c.KeyFilename)
	if err != nil {
		return nil, err
	}
	defer clear(contents)

	encrypted, err := sshkey.IsEncrypted(contents)
	if err != nil {
		return nil, err
	}
	var passphrase []byte
	if encrypted {
		if passphrase, err = c.LoadPassphraseFromKeyring(); err != nil {
			log.Debug("No stored passphrase for %s: %s", c.KeyFilename, err)
			if passphrase, err = ReadSecret("Passphrase for " + c.KeyFilename); err != nil {
				return nil, err
			}
		}
		defer clear(passphrase)
	}
	signer, err := sshkey.ParsePrivateKey(contents, passphrase)
	if err != nil {
		return nil, err
	}
	c.signer = signer
	return signer, nil
}

// KnownHosts loads the known hosts cache from c.KnownHostsFilename. A missing file yields an empty
// cache.
func (c *Config) KnownHosts() (*knownhosts.HostCache, error) {
	if c.knownHosts != nil {
		return c.knownHosts, nil
	}
	if c.KnownHostsFilename == "" {
		c.knownHosts = knownhosts.New(0)
		return c.knownHosts, nil
	}
	log.Debug("Loading known hosts from %s...", c.KnownHostsFilename)
	cache, err := knownhosts.ImportFromFile(c.KnownHostsFilename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load known hosts: %s", err)
		}
		// Create a new cache if one couldn't be loaded from the file
		cache = knownhosts.New(0)
	}
	c.knownHosts = cache
	return cache, nil
}

// UpdateKnownHosts writes the known hosts cache back to c.KnownHostsFilename.
//
// If c.KnownHostsFilename is not set or the cache was never loaded, then this method does nothing.
func (c *Config) UpdateKnownHosts() {
	if c.KnownHostsFilename != "" && c.knownHosts != nil {
		if err := c.knownHosts.ExportToFile(c.KnownHostsFilename); err != nil {
			log.Error("Error updating known hosts: %s", err)
		}
	}
}

// ClientConfig returns a key exchange configuration that checks host keys against the known hosts
// cache.
func (c *Config) ClientConfig() (*sshkex.Config, error) {
	cache, err := c.KnownHosts()
	if err != nil {
		return nil, err
	}
	return &sshkex.Config{
		KexAlgorithms:   c.KexAlgorithms,
		HostKeyCallback: cache.HostKeyCallback(c.TrustOnFirstUse),
	}, nil
}

// ServerConfig returns a key exchange configuration that signs with the configured private key.
func (c *Config) ServerConfig() (*sshkex.Config, error) {
	signer, err := c.Signer()
	if err != nil {
		return nil, err
	}
	return &sshkex.Config{
		KexAlgorithms: c.KexAlgorithms,
		HostKeys:      []ssh.Signer{signer},
	}, nil
}
