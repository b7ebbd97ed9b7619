package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/secshell/sshkex/internal/log"
	"github.com/secshell/sshkex/pkg/cli"
	"github.com/secshell/sshkex/pkg/protocol"
	"github.com/secshell/sshkex/pkg/sshkex"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Servers (serve) require a host key.
 * Clients (connect) require a known hosts file, or -tofu to trust new hosts.
 * Without a COMMAND, commands are read from stdin.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(env *environment, args []string, timeout time.Duration) int {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if info, ok := commands[args[0]]; ok && info.longRunning {
		ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt)
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	defer cancel()

	if err := execute(ctx, env, args); err != nil {
		var hostKeyErr *sshkex.HostKeyError
		if errors.As(err, &hostKeyErr) {
			writeErr("Host key verification failed: %s", hostKeyErr.Err)
			if errors.Is(err, protocol.ErrHostKeyMismatch) {
				writeErr("The server's host key has changed. Remove it from %s if this is expected.", env.config.KnownHostsFilename)
			}
		} else if errors.Is(err, context.DeadlineExceeded) {
			writeErr("Timed out: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(env *environment, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		runCommand(env, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		logLevel       string
		commandTimeout time.Duration
		kexTimeout     time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.StringVar(&logLevel, "log", "", "Log `level` (none|error|warning|info|protocol|debug|trace). Defaults to $SSHKEX_LOG.")
	flag.DurationVar(&commandTimeout, "command-timeout", 30*time.Second, "Set timeout for commands.")
	flag.DurationVar(&kexTimeout, "kex-timeout", 10*time.Second, "Set timeout for each key exchange.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if logLevel == "" {
		logLevel = os.Getenv(cli.EnvLogLevel)
	}
	if logLevel != "" {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			writeErr("Invalid log level: %s", err)
			return
		}
		log.SetLevel(level)
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if len(args) == 1 {
				Usage()
				return
			}
			info, ok := commands[args[1]]
			if !ok {
				writeErr("Unrecognized command: %s", args[1])
				return
			}
			info.Usage(args[1])
			status = 0
			return
		} else {
			if err := configureFlags(config, args[0]); err != nil {
				writeErr("%s: %s", err, args[0])
				return
			}
		}
	}
	config.ReadFromEnvironment()

	if err := config.LoadCredentials(); err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	env := &environment{config: config, out: os.Stdout, timeout: kexTimeout}
	if flag.NArg() > 0 {
		status = runCommand(env, flag.Args(), commandTimeout)
	} else {
		status = runInteractiveShell(env, commandTimeout)
	}
}
