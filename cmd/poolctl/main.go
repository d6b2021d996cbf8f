package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// cli carries the resolved global options for one invocation.
type cli struct {
	profile  Profile
	endpoint string
	token    string
	client   *http.Client
	stdout   io.Writer
	stderr   io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("poolctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	profilePath := global.String("profile", "", "path to TOML profile (default ~/.config/poolctl/profile.toml)")
	endpoint := global.String("endpoint", "", "poold base URL")
	token := global.String("token", "", "bearer token (falls back to profile, then "+tokenEnv+")")
	timeout := global.Duration("timeout", 0, "HTTP timeout")
	global.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	path, explicit := *profilePath, *profilePath != ""
	if !explicit {
		path = defaultProfilePath()
	}
	profile, err := loadProfile(path, explicit)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	c := &cli{
		profile:  profile,
		endpoint: firstNonEmpty(*endpoint, profile.Endpoint, os.Getenv("POOL_ENDPOINT"), defaultEndpoint),
		token:    firstNonEmpty(*token, profile.Token),
		stdout:   stdout,
		stderr:   stderr,
	}
	wait := *timeout
	if wait <= 0 && profile.Timeout != "" {
		if parsed, err := time.ParseDuration(profile.Timeout); err == nil {
			wait = parsed
		}
	}
	if wait <= 0 {
		wait = 15 * time.Second
	}
	c.client = &http.Client{Timeout: wait}

	command, cmdArgs := rest[0], rest[1:]
	handler, ok := commands()[command]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if err := handler(c, cmdArgs); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type commandFunc func(c *cli, args []string) error

func commands() map[string]commandFunc {
	return map[string]commandFunc{
		"generate-key": runGenerateKey,
		"address":      runAddress,
		"token":        runToken,
		"round":        runRound,
		"index":        runIndex,
		"participant":  runParticipant,
		"participants": runParticipants,
		"events":       runEvents,
		"stake":        runStake,
		"withdraw":     runWithdraw,
		"claim":        runClaim,
		"open":         runOpen,
		"extend":       runExtend,
		"close":        runClose,
		"emergency":    runEmergency,
		"reduce-rate":  runReduceRate,
		"fund-next":    runFundNext,
		"residue":      runResidue,
		"set-manager":  runSetManager,
		"mint":         runMint,
		"pause":        runPause,
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: poolctl [--profile file] [--endpoint url] [--token jwt] <command> [options]

Keys:
  generate-key [--keystore path]       create a participant key
  address --keystore path              print the address of a keystore
  token --subject addr [--scope s]     sign a development bearer token

Queries:
  round | index | participants | participant <addr> | events [--after n]

Participant:
  stake <amount> | withdraw [amount|max] | claim

Admin:
  open --rate r --duration s [--start t] | extend --rate r --duration s | close
  emergency <on|off> | pause <on|off> | reduce-rate <percent> | fund-next <amount>
  residue [--to addr] | set-manager [addr] | mint --asset stake|reward --to addr <amount>`)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
