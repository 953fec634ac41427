package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DumpState writes the full bridge state to dir/<name>.json with addresses,
// the bridge id and all whitelisted usernames masked, and returns the file
// name.
func (c *Connection) DumpState(ctx context.Context, dir string) (string, error) {
	raw, err := c.Request(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return "", err
	}

	masked, err := maskState(raw)
	if err != nil {
		return "", err
	}

	filename := filepath.Join(dir, dumpName(c.Identity())+".json")
	if err := os.WriteFile(filename, masked, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", filename, err)
	}

	c.logger.Info().Str("file", filename).Msg("dumped masked state")
	return filename, nil
}

func maskState(raw json.RawMessage) ([]byte, error) {
	var state map[string]json.RawMessage
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("state: %w", ErrUnexpectedResponse)
	}

	var config map[string]any
	if err := json.Unmarshal(state["config"], &config); err != nil {
		return nil, fmt.Errorf("state config: %w", ErrUnexpectedResponse)
	}

	config["bridgeid"] = "xxxxxxFFFExxxxxx"
	config["mac"] = "xx:xx:xx:xx:xx:xx"
	config["ipaddress"] = "xxx.xxx.xxx.xxx"
	config["gateway"] = "xxx.xxx.xxx.xxx"
	if proxy, _ := config["proxyaddress"].(string); proxy != "none" {
		config["proxyaddress"] = "xxx.xxx.xxx.xxx"
	}

	var usernames []string
	if whitelist, ok := config["whitelist"].(map[string]any); ok {
		for username := range whitelist {
			usernames = append(usernames, username)
		}
	}

	sort.Strings(usernames)

	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	state["config"] = configJSON

	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	out := string(data)
	for i, username := range usernames {
		out = strings.ReplaceAll(out, username, usernameMask(username, i+1))
	}
	return []byte(out), nil
}

// dumpName turns the bridge supplied name into a file name that stays
// inside the dump directory, falling back to the bridge id.
func dumpName(identity Identity) string {
	clean := func(s string) string {
		return strings.TrimSpace(strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			case r == ' ', r == '_', r == '-':
				return r
			}
			return '_'
		}, s))
	}
	if name := clean(identity.Name); strings.Trim(name, "_ ") != "" {
		return name
	}
	if id := clean(identity.ID); id != "" {
		return id
	}
	return "bridge"
}

// usernameMask replaces every character by x, ending in the ordinal so
// masked names stay distinguishable.
func usernameMask(username string, ordinal int) string {
	mask := strings.Repeat("x", len(username)) + strconv.Itoa(ordinal)
	return mask[len(mask)-len(username):]
}
