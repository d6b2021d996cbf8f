package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultEndpoint = "http://127.0.0.1:8080"
	tokenEnv        = "POOL_TOKEN"
	secretEnv       = "POOL_JWT_SECRET"
	passphraseEnv   = "POOLCTL_PASSPHRASE"
)

// Profile is the optional TOML client configuration.
type Profile struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	Keystore string `toml:"keystore"`
	Issuer   string `toml:"issuer"`
	Audience string `toml:"audience"`
	Timeout  string `toml:"timeout"`
}

func defaultProfilePath() string {
	if path := strings.TrimSpace(os.Getenv("POOLCTL_PROFILE")); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "poolctl", "profile.toml")
}

// loadProfile decodes path. A missing file at the default location is not an
// error; an explicitly requested one is.
func loadProfile(path string, explicit bool) (Profile, error) {
	var profile Profile
	if path == "" {
		return profile, nil
	}
	if _, err := toml.DecodeFile(path, &profile); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("load profile %s: %w", path, err)
	}
	profile.Endpoint = strings.TrimRight(strings.TrimSpace(profile.Endpoint), "/")
	profile.Token = strings.TrimSpace(profile.Token)
	profile.Keystore = strings.TrimSpace(profile.Keystore)
	return profile, nil
}
