package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/secshell/sshkex/pkg/cli"
)

func newEnvironment(t *testing.T, flags cli.Flag) (*environment, *bytes.Buffer) {
	t.Helper()
	config, err := cli.NewConfig(flags)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	return &environment{config: config, out: &out, timeout: 5 * time.Second}, &out
}

func TestCheckReadiness(t *testing.T) {
	type params struct {
		command    string
		keyFile    string
		knownHosts string
		tofu       bool
		err        error
	}
	testCases := []params{
		{command: "serve", err: ErrRequiresHostKey},
		{command: "serve", keyFile: "host_key"},
		{command: "connect", err: ErrRequiresKnownHosts},
		{command: "connect", knownHosts: "known_hosts.json"},
		{command: "connect", tofu: true},
		{command: "groups"},
		{command: "derive"},
		{command: "teleport", err: ErrUnknownCommand},
	}
	for _, test := range testCases {
		config, err := cli.NewConfig(cli.FlagAll)
		if err != nil {
			t.Fatal(err)
		}
		config.KeyFilename = test.keyFile
		config.KnownHostsFilename = test.knownHosts
		config.TrustOnFirstUse = test.tofu
		if _, err := checkReadiness(test.command, config); !errors.Is(err, test.err) {
			t.Errorf("expected '%s' to result in error %s, but got %s", test.command, test.err, err)
		}
	}
}

func TestConfigureFlags(t *testing.T) {
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		t.Fatal(err)
	}
	if err := configureFlags(config, "serve"); err != nil {
		t.Fatal(err)
	}
	if config.Flags != cli.FlagPrivateKey|cli.FlagKex {
		t.Errorf("unexpected flags for serve: %d", config.Flags)
	}
	if err := configureFlags(config, "connect"); err != nil {
		t.Fatal(err)
	}
	if config.Flags != cli.FlagKnownHosts|cli.FlagKex {
		t.Errorf("unexpected flags for connect: %d", config.Flags)
	}
	if err := configureFlags(config, "teleport"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand but got %s", err)
	}
}

func TestParsePositive(t *testing.T) {
	for _, value := range []string{"0", "-1", "ten", ""} {
		if _, err := parsePositive("N", value); !errors.Is(err, ErrCommandLineArgs) {
			t.Errorf("expected '%s' to be rejected, but got %s", value, err)
		}
	}
	if n, err := parsePositive("N", "16"); err != nil || n != 16 {
		t.Errorf("parsePositive('16') = %d, %s", n, err)
	}
}

func TestDerive(t *testing.T) {
	env, out := newEnvironment(t, cli.FlagKex)
	if err := execute(context.Background(), env, []string{"derive", "password", "73616c74", "4"}); err != nil {
		t.Fatal(err)
	}
	expected := "5bbf0cc293587f1c3635555c27796598d47e579071bf427e9d8fbe842aba34d9\n"
	if out.String() != expected {
		t.Errorf("unexpected output %q", out.String())
	}

	if err := execute(context.Background(), env, []string{"derive", "password", "salt", "4"}); !errors.Is(err, ErrCommandLineArgs) {
		t.Errorf("expected non-hex salt to be rejected, but got %s", err)
	}
	if err := execute(context.Background(), env, []string{"derive", "password"}); !errors.Is(err, ErrCommandLineArgs) {
		t.Errorf("expected missing arguments to be rejected, but got %s", err)
	}
}

func TestFingerprint(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	filename := filepath.Join(t.TempDir(), "host_key.pub")
	if err := os.WriteFile(filename, ssh.MarshalAuthorizedKey(key), 0644); err != nil {
		t.Fatal(err)
	}

	env, out := newEnvironment(t, cli.FlagKex)
	if err := execute(context.Background(), env, []string{"fingerprint", filename}); err != nil {
		t.Fatal(err)
	}
	if expected := ssh.FingerprintSHA256(key) + "\n"; out.String() != expected {
		t.Errorf("expected %q but got %q", expected, out.String())
	}

	out.Reset()
	if err := execute(context.Background(), env, []string{"fingerprint", filename, "md5"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "MD5:") {
		t.Errorf("unexpected md5 fingerprint %q", out.String())
	}
}

func TestGroups(t *testing.T) {
	env, out := newEnvironment(t, cli.FlagKex)
	if err := env.config.KexAlgorithms.Set("diffie-hellman-group14-sha256,diffie-hellman-group-exchange-sha256"); err != nil {
		t.Fatal(err)
	}
	if err := execute(context.Background(), env, []string{"groups"}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", out.String())
	}
	if !strings.Contains(lines[0], "group14 (2048 bits)") {
		t.Errorf("unexpected group14 line %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "negotiated") {
		t.Errorf("unexpected group exchange line %q", lines[1])
	}
}
