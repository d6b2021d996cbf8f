package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"stakepool/cmd/internal/passphrase"
)

const responseLimit = 4 << 20

type apiError struct {
	Error     string `json:"error"`
	Available string `json:"available"`
}

func (c *cli) bearer() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	token, err := passphrase.NewSource(tokenEnv, "API token").Get()
	if err != nil {
		return "", err
	}
	c.token = strings.TrimSpace(token)
	return c.token, nil
}

// call performs the request and pretty prints the JSON response. Requests to
// mutating endpoints carry the bearer token.
func (c *cli) call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		token, err := c.bearer()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		var decoded apiError
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
			message = decoded.Error
			if decoded.Available != "" {
				message += " (available " + decoded.Available + ")"
			}
		}
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, message)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(data), "", "  "); err != nil {
		_, _ = c.stdout.Write(data)
		return nil
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(c.stdout)
	return err
}
