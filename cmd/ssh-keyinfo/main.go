// Utility for inspecting SSH keys and managing their passphrases

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/cli"
	"github.com/secshell/sshkex/pkg/fingerprint"
	"github.com/secshell/sshkex/pkg/protocol"
	"github.com/secshell/sshkex/pkg/sshkey"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Prints the fingerprint or public half of an SSH key, or stores the passphrase of an encrypted
OpenSSH private key in the system keyring so that servers can load it without prompting.

  fingerprint  Print the key fingerprint (see -hash)
  public       Print the public key in authorized_keys format, or write it to FILE
  store        Prompt for the passphrase, verify it unlocks the key, and save it to the keyring
  forget       Delete the saved passphrase from the keyring

The type of keyring and name of the passphrase inside that keyring are controlled by the
command-line options below, or through the corresponding environment variables.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] fingerprint|public [FILE]|store|forget\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

// loadPublicKey reads the public half of the key without unlocking it.
func loadPublicKey(filename string) (ssh.PublicKey, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if key, err := sshkey.PublicKey(contents); err == nil {
		return key, nil
	}
	return protocol.ParsePublicKey(contents)
}

// writePublicKey exports the public half of keyFile to outFile, or to w when outFile is empty.
func writePublicKey(keyFile, outFile string, w io.Writer) error {
	key, err := loadPublicKey(keyFile)
	if err != nil {
		return fmt.Errorf("unable to read key: %w", err)
	}
	if outFile != "" {
		return protocol.SavePublicKey(key, outFile)
	}
	_, err = w.Write(ssh.MarshalAuthorizedKey(key))
	return err
}

func main() {
	var (
		hashName string
		err      error
	)
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagPrivateKey)
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.StringVar(&hashName, "hash", "sha256", "Fingerprint `hash` (sha256|sha1|md5)")
	flag.Parse()
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.ReadFromEnvironment()

	if flag.NArg() != 1 && !(flag.NArg() == 2 && flag.Arg(0) == "public") {
		usage(os.Stderr)
		return
	}
	if config.KeyFilename == "" && flag.Arg(0) != "forget" {
		writeErr("Must provide path of key (-key-file)")
		return
	}
	if config.KeyFilename == "" && config.KeyringKeyName == "" {
		writeErr("Must provide -key-file or -key-name")
		return
	}

	switch flag.Arg(0) {
	case "fingerprint":
		hashType, err := fingerprint.ParseHashType(hashName)
		if err != nil {
			writeErr("Invalid -hash: %s", err)
			return
		}
		key, err := loadPublicKey(config.KeyFilename)
		if err != nil {
			writeErr("Unable to read key: %s", err)
			return
		}
		digest, err := fingerprint.Hash(hashType, key)
		if err == nil {
			err = fingerprint.Print(os.Stdout, hashType, digest)
		}
		if err != nil {
			writeErr("Failed to print fingerprint: %s", err)
			return
		}
	case "public":
		if err := writePublicKey(config.KeyFilename, flag.Arg(1), os.Stdout); err != nil {
			writeErr("Failed to export public key: %s", err)
			return
		}
	case "store":
		contents, err := os.ReadFile(config.KeyFilename)
		if err != nil {
			writeErr("Unable to read key: %s", err)
			return
		}
		encrypted, err := sshkey.IsEncrypted(contents)
		if err != nil {
			writeErr("Unable to read key: %s", err)
			return
		}
		if !encrypted {
			writeErr("Key is not encrypted; nothing to store.")
			status = 0
			return
		}
		passphrase, err := cli.ReadSecret("Passphrase for " + config.KeyFilename)
		if err != nil {
			writeErr("Failed to read passphrase: %s", err)
			return
		}
		defer clear(passphrase)
		if _, err := sshkey.ParsePrivateKey(contents, passphrase); err != nil {
			writeErr("Passphrase does not unlock key: %s", err)
			return
		}
		if err := config.SavePassphraseToKeyring(passphrase); err != nil {
			writeErr("Failed to save passphrase to keyring: %s", err)
			return
		}
	case "forget":
		if err := config.DeletePassphrase(); err != nil {
			writeErr("Failed to delete passphrase: %s", err)
			return
		}
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}
	status = 0
}
