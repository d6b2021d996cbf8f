package main

import (
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"stakepool/cmd/internal/passphrase"
	"stakepool/crypto"
	"stakepool/gateway/middleware"
)

func newFlagSet(c *cli, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// parseAmount accepts plain integers with optional "_" separators.
func parseAmount(value string) (string, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if cleaned == "" {
		return "", errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(cleaned, 10)
	if !ok || amount.Sign() <= 0 {
		return "", fmt.Errorf("invalid amount %q", value)
	}
	return amount.String(), nil
}

func validateAddress(value string) (string, error) {
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", value, err)
	}
	return addr.String(), nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("--keystore is required")
	}
	pass, err := passphrase.NewSource(passphraseEnv, "keystore passphrase").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func runGenerateKey(c *cli, args []string) error {
	fs := newFlagSet(c, "generate-key")
	keystorePath := fs.String("keystore", "", "write the key to an encrypted keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if *keystorePath != "" {
		pass, err := passphrase.NewSource(passphraseEnv, "keystore passphrase").Get()
		if err != nil {
			return err
		}
		if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "keystore: %s\n", *keystorePath)
	}
	fmt.Fprintf(c.stdout, "address: %s\n", key.PubKey().Address())
	return nil
}

func runAddress(c *cli, args []string) error {
	fs := newFlagSet(c, "address")
	keystorePath := fs.String("keystore", c.profile.Keystore, "keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, key.PubKey().Address().String())
	return nil
}

// runToken signs an HS256 token with the shared secret from POOL_JWT_SECRET.
func runToken(c *cli, args []string) error {
	fs := newFlagSet(c, "token")
	subject := fs.String("subject", "", "participant address (defaults to the keystore address)")
	keystorePath := fs.String("keystore", c.profile.Keystore, "derive the subject from a keystore")
	scope := fs.String("scope", "participant", "participant, admin or both")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("issuer", firstNonEmpty(c.profile.Issuer, "poold"), "token issuer")
	audience := fs.String("audience", firstNonEmpty(c.profile.Audience, "pool-api"), "token audience")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sub := strings.TrimSpace(*subject)
	if sub == "" {
		key, err := loadKey(*keystorePath)
		if err != nil {
			return fmt.Errorf("subject: %w", err)
		}
		sub = key.PubKey().Address().String()
	}
	sub, err := validateAddress(sub)
	if err != nil {
		return err
	}

	var scopes []string
	switch strings.ToLower(strings.TrimSpace(*scope)) {
	case "participant":
		scopes = []string{middleware.ScopeParticipant}
	case "admin":
		scopes = []string{middleware.ScopeAdmin}
	case "both":
		scopes = []string{middleware.ScopeParticipant, middleware.ScopeAdmin}
	default:
		return fmt.Errorf("unknown scope %q", *scope)
	}

	secret, ok := os.LookupEnv(secretEnv)
	if !ok || strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%s must hold the poold hmac_secret", secretEnv)
	}
	token, err := middleware.IssueToken(secret, *issuer, *audience, sub, scopes, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, token)
	return nil
}

func runRound(c *cli, _ []string) error {
	return c.call(http.MethodGet, "/v1/pool/round", nil)
}

func runIndex(c *cli, _ []string) error {
	return c.call(http.MethodGet, "/v1/pool/index", nil)
}

func runParticipants(c *cli, _ []string) error {
	return c.call(http.MethodGet, "/v1/pool/participants", nil)
}

func runParticipant(c *cli, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: participant <address>")
	}
	addr, err := validateAddress(args[0])
	if err != nil {
		return err
	}
	return c.call(http.MethodGet, "/v1/pool/participants/"+url.PathEscape(addr), nil)
}

func runEvents(c *cli, args []string) error {
	fs := newFlagSet(c, "events")
	after := fs.Uint64("after", 0, "return events after this sequence")
	limit := fs.Int("limit", 100, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := url.Values{}
	query.Set("after", strconv.FormatUint(*after, 10))
	query.Set("limit", strconv.Itoa(*limit))
	return c.call(http.MethodGet, "/v1/events?"+query.Encode(), nil)
}

func runStake(c *cli, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: stake <amount>")
	}
	amount, err := parseAmount(args[0])
	if err != nil {
		return err
	}
	return c.call(http.MethodPost, "/v1/pool/stake", map[string]string{"amount": amount})
}

func runWithdraw(c *cli, args []string) error {
	body := map[string]string{"amount": "max"}
	if len(args) > 1 {
		return errors.New("usage: withdraw [amount|max]")
	}
	if len(args) == 1 && !strings.EqualFold(strings.TrimSpace(args[0]), "max") {
		amount, err := parseAmount(args[0])
		if err != nil {
			return err
		}
		body["amount"] = amount
	}
	return c.call(http.MethodPost, "/v1/pool/withdraw", body)
}

func runClaim(c *cli, _ []string) error {
	return c.call(http.MethodPost, "/v1/pool/claim", map[string]string{})
}

func runOpen(c *cli, args []string) error {
	fs := newFlagSet(c, "open")
	rate := fs.String("rate", "", "reward units emitted per second")
	duration := fs.Duration("duration", 0, "round length")
	start := fs.Int64("start", 0, "unix start time (0 means now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, err := parseAmount(*rate)
	if err != nil {
		return fmt.Errorf("rate: %w", err)
	}
	if *duration < time.Second {
		return errors.New("--duration must be at least 1s")
	}
	if *start < 0 {
		return errors.New("--start must not be negative")
	}
	return c.call(http.MethodPost, "/v1/admin/round/open", map[string]any{
		"rate":     value,
		"start":    uint64(*start),
		"duration": uint64(duration.Seconds()),
	})
}

func runExtend(c *cli, args []string) error {
	fs := newFlagSet(c, "extend")
	rate := fs.String("rate", "", "requested reward rate before the reduce rate applies")
	duration := fs.Duration("duration", 0, "new round length from now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, err := parseAmount(*rate)
	if err != nil {
		return fmt.Errorf("rate: %w", err)
	}
	if *duration < time.Second {
		return errors.New("--duration must be at least 1s")
	}
	return c.call(http.MethodPost, "/v1/admin/round/extend", map[string]any{
		"rate":     value,
		"duration": uint64(duration.Seconds()),
	})
}

func runClose(c *cli, _ []string) error {
	return c.call(http.MethodPost, "/v1/admin/round/close", map[string]string{})
}

func runEmergency(c *cli, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: emergency <on|off>")
	}
	var enabled bool
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "on", "true", "1":
		enabled = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("emergency: expected on or off, got %q", args[0])
	}
	return c.call(http.MethodPost, "/v1/admin/emergency", map[string]bool{"enabled": enabled})
}

func runReduceRate(c *cli, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: reduce-rate <percent>")
	}
	percent, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimSpace(args[0]), "%"), 10, 8)
	if err != nil || percent > 100 {
		return fmt.Errorf("reduce-rate: expected 0-100, got %q", args[0])
	}
	return c.call(http.MethodPost, "/v1/admin/reduce-rate", map[string]uint64{"percent": percent})
}

func runFundNext(c *cli, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: fund-next <amount>")
	}
	amount, err := parseAmount(args[0])
	if err != nil {
		return err
	}
	return c.call(http.MethodPost, "/v1/admin/fund-next", map[string]string{"amount": amount})
}

func runResidue(c *cli, args []string) error {
	fs := newFlagSet(c, "residue")
	to := fs.String("to", "", "recipient (defaults to the caller)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := map[string]string{}
	if strings.TrimSpace(*to) != "" {
		addr, err := validateAddress(*to)
		if err != nil {
			return err
		}
		body["to"] = addr
	}
	return c.call(http.MethodPost, "/v1/admin/residue", body)
}

func runSetManager(c *cli, args []string) error {
	body := map[string]string{}
	if len(args) > 1 {
		return errors.New("usage: set-manager [address]")
	}
	if len(args) == 1 {
		addr, err := validateAddress(args[0])
		if err != nil {
			return err
		}
		body["manager"] = addr
	}
	return c.call(http.MethodPost, "/v1/admin/manager", body)
}

func runMint(c *cli, args []string) error {
	fs := newFlagSet(c, "mint")
	asset := fs.String("asset", "stake", "stake or reward")
	to := fs.String("to", "", "recipient address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: mint --asset stake|reward --to addr <amount>")
	}
	addr, err := validateAddress(*to)
	if err != nil {
		return err
	}
	amount, err := parseAmount(fs.Arg(0))
	if err != nil {
		return err
	}
	return c.call(http.MethodPost, "/v1/admin/mint", map[string]string{
		"asset":  strings.ToLower(strings.TrimSpace(*asset)),
		"to":     addr,
		"amount": amount,
	})
}

func runPause(c *cli, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: pause <on|off>")
	}
	var paused bool
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "on", "true", "1":
		paused = true
	case "off", "false", "0":
	default:
		return fmt.Errorf("pause: expected on or off, got %q", args[0])
	}
	return c.call(http.MethodPost, "/v1/admin/pause", map[string]bool{"paused": paused})
}
