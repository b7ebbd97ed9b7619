package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/secshell/sshkex/internal/dh"
	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/bcryptpbkdf"
	"github.com/secshell/sshkex/pkg/cli"
	"github.com/secshell/sshkex/pkg/fingerprint"
	"github.com/secshell/sshkex/pkg/protocol"
	"github.com/secshell/sshkex/pkg/sshkex"
)

var (
	ErrCommandLineArgs    = errors.New("invalid command line arguments")
	ErrRequiresHostKey    = errors.New("command requires a host key (-key-file)")
	ErrRequiresKnownHosts = errors.New("command requires a known hosts file (-known-hosts) or -tofu")
	ErrUnknownCommand     = errors.New("unrecognized command")
)

type Argument struct {
	name string
	help string
}

// environment is shared by every command run in a session.
type environment struct {
	config  *cli.Config
	out     io.Writer
	timeout time.Duration // Per key exchange
}

type Handler func(ctx context.Context, env *environment, args map[string]string) error

type Command struct {
	help               string
	requiresHostKey    bool // True if command acts as a server
	requiresKnownHosts bool // True if command verifies a server
	longRunning        bool // True if command is not bounded by -command-timeout
	args               []Argument
	optional           []Argument
	handler            Handler
}

// configureFlags enables the configuration options required to execute a command.
func configureFlags(c *cli.Config, commandName string) error {
	info, ok := commands[commandName]
	if !ok {
		return ErrUnknownCommand
	}
	c.Flags = cli.FlagKex
	if info.requiresHostKey {
		c.Flags |= cli.FlagPrivateKey
	}
	if info.requiresKnownHosts {
		c.Flags |= cli.FlagKnownHosts
	}
	return nil
}

func checkReadiness(commandName string, c *cli.Config) (*Command, error) {
	info, ok := commands[commandName]
	if !ok {
		return nil, ErrUnknownCommand
	}
	if info.requiresHostKey && c.KeyFilename == "" {
		return nil, ErrRequiresHostKey
	}
	if info.requiresKnownHosts && c.KnownHostsFilename == "" && !c.TrustOnFirstUse {
		return nil, ErrRequiresKnownHosts
	}
	return info, nil
}

func execute(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, err := checkReadiness(args[0], env.config)
	if err != nil {
		return err
	}

	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, env, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

// parsePositive parses a strictly positive integer argument.
func parsePositive(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrCommandLineArgs, name)
	}
	return n, nil
}

func printResult(w io.Writer, peer string, res *sshkex.Result) {
	fmt.Fprintf(w, "peer:        %s\n", peer)
	fmt.Fprintf(w, "version:     %s\n", res.ClientVersion)
	fmt.Fprintf(w, "             %s\n", res.ServerVersion)
	fmt.Fprintf(w, "kex:         %s\n", res.Kex)
	fmt.Fprintf(w, "host key:    %s\n", res.HostKey)
	if res.ServerHostKey != nil {
		if fp, err := fingerprint.String(fingerprint.SHA256, res.ServerHostKey); err == nil {
			fmt.Fprintf(w, "             %s\n", fp)
		}
	}
	fmt.Fprintf(w, "c2s:         %s %s %s\n", res.ClientToServer.Cipher, res.ClientToServer.MAC, res.ClientToServer.Compression)
	fmt.Fprintf(w, "s2c:         %s %s %s\n", res.ServerToClient.Cipher, res.ServerToClient.MAC, res.ServerToClient.Compression)
	fmt.Fprintf(w, "session id:  %s\n", hex.EncodeToString(res.SessionID))
}

func connect(ctx context.Context, env *environment, addr string) error {
	config, err := env.config.ClientConfig()
	if err != nil {
		return err
	}
	defer env.config.UpdateKnownHosts()

	ctx, cancel := context.WithTimeout(ctx, env.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := sshkex.Client(ctx, conn, addr, config)
	if err != nil {
		return err
	}
	defer res.Wipe()
	printResult(env.out, addr, res)
	return nil
}

func serve(ctx context.Context, env *environment, addr string, count int) error {
	config, err := env.config.ServerConfig()
	if err != nil {
		return err
	}
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.Info("Listening on %s", listener.Addr())

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var (
		wg  sync.WaitGroup
		out sync.Mutex
	)
	defer wg.Wait()
	for served := 0; count == 0 || served < count; served++ {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()

			ctx, cancel := context.WithTimeout(ctx, env.timeout)
			defer cancel()

			peer := conn.RemoteAddr().String()
			res, err := sshkex.Server(ctx, conn, config)
			if err != nil {
				log.Warning("[%s] Key exchange failed: %s", peer, err)
				return
			}
			defer res.Wipe()
			out.Lock()
			printResult(env.out, peer, res)
			out.Unlock()
		}()
	}
	return nil
}

var commands = map[string]*Command{
	"connect": &Command{
		help:               "Run a key exchange with the server at ADDR",
		requiresKnownHosts: true,
		args: []Argument{
			Argument{name: "ADDR", help: "host:port of the server"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			return connect(ctx, env, args["ADDR"])
		},
	},
	"serve": &Command{
		help:            "Accept key exchanges on ADDR until interrupted",
		requiresHostKey: true,
		longRunning:     true,
		args: []Argument{
			Argument{name: "ADDR", help: "host:port to listen on"},
		},
		optional: []Argument{
			Argument{name: "COUNT", help: "Exit after COUNT connections"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			count := 0
			if value, ok := args["COUNT"]; ok {
				var err error
				if count, err = parsePositive("COUNT", value); err != nil {
					return err
				}
			}
			return serve(ctx, env, args["ADDR"], count)
		},
	},
	"groups": &Command{
		help: "List supported kex algorithms and their groups",
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			kexTypes := env.config.KexAlgorithms
			if len(kexTypes) == 0 {
				kexTypes = protocol.DefaultKexTypes
			}
			if err := dh.Init(); err != nil {
				return err
			}
			for _, kexType := range kexTypes {
				if kexType.IsGroupExchange() {
					fmt.Fprintf(env.out, "%-38s %-8s negotiated\n", kexType, kexType.Hash())
					continue
				}
				group, err := dh.Lookup(kexType)
				if err != nil {
					return err
				}
				fmt.Fprintf(env.out, "%-38s %-8s %s (%d bits)\n", kexType, kexType.Hash(), group, group.Bits())
			}
			return nil
		},
	},
	"fingerprint": &Command{
		help: "Print the fingerprint of the public key in FILE",
		args: []Argument{
			Argument{name: "FILE", help: "file containing public key (or corresponding private key)"},
		},
		optional: []Argument{
			Argument{name: "HASH", help: "One of: sha256 (default), sha1, md5"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			hashType := fingerprint.SHA256
			if name, ok := args["HASH"]; ok {
				var err error
				if hashType, err = fingerprint.ParseHashType(name); err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
			}
			publicKey, err := protocol.LoadPublicKey(args["FILE"])
			if err != nil {
				return fmt.Errorf("invalid public key: %s", err)
			}
			digest, err := fingerprint.Hash(hashType, publicKey)
			if err != nil {
				return err
			}
			return fingerprint.Print(env.out, hashType, digest)
		},
	},
	"derive": &Command{
		help: "Derive LENGTH bytes from PASSPHRASE with bcrypt_pbkdf",
		args: []Argument{
			Argument{name: "PASSPHRASE", help: "Passphrase to stretch"},
			Argument{name: "SALT", help: "Hex-encoded salt"},
			Argument{name: "ROUNDS", help: "Number of rounds (16 for new OpenSSH keys)"},
		},
		optional: []Argument{
			Argument{name: "LENGTH", help: "Output length in bytes (default 32)"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			salt, err := hex.DecodeString(args["SALT"])
			if err != nil {
				return fmt.Errorf("%w: SALT must be hex", ErrCommandLineArgs)
			}
			rounds, err := parsePositive("ROUNDS", args["ROUNDS"])
			if err != nil {
				return err
			}
			length := bcryptpbkdf.HashSize
			if value, ok := args["LENGTH"]; ok {
				if length, err = parsePositive("LENGTH", value); err != nil {
					return err
				}
			}
			key, err := bcryptpbkdf.Key([]byte(args["PASSPHRASE"]), salt, rounds, length)
			if err != nil {
				return err
			}
			fmt.Fprintln(env.out, hex.EncodeToString(key))
			return nil
		},
	},
}
