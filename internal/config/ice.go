package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envIceServersJSON = "ICE_SERVERS_JSON"

	envStunURLs       = "STUN_URLS"
	envTurnURLs       = "TURN_URLS"
	envTurnUsername   = "TURN_USERNAME"
	envTurnCredential = "TURN_CREDENTIAL"
)

var DefaultStunURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// DefaultIceServers is what browsers are handed when nothing is configured.
func DefaultIceServers() []webrtc.ICEServer {
	urls := make([]string, len(DefaultStunURLs))
	copy(urls, DefaultStunURLs)
	return []webrtc.ICEServer{{URLs: urls}}
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// Browsers accept "urls" as either one string or a list.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func parseIceServers(lookup lookupFunc) ([]webrtc.ICEServer, error) {
	if raw, ok := lookup(envIceServersJSON); ok && strings.TrimSpace(raw) != "" {
		servers, err := ParseIceServersJSON(raw)
		if err != nil {
			return nil, &InvalidSettingError{Name: envIceServersJSON, Value: raw, Err: err}
		}
		return servers, nil
	}

	stunURLs, _ := lookup(envStunURLs)
	turnURLs, _ := lookup(envTurnURLs)
	turnUsername, _ := lookup(envTurnUsername)
	turnCredential, _ := lookup(envTurnCredential)

	servers, err := ParseIceServersFromURLLists(stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return DefaultIceServers(), nil
	}
	return servers, nil
}

// ParseIceServersJSON parses a browser-style RTCIceServer list.
func ParseIceServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := splitList(strings.Join(server.URLs, ","))

		iceServer := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			iceServer.Credential = server.Credential
		}

		if err := validateIceServer(iceServer); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, iceServer)
	}
	return out, nil
}

// ParseIceServersFromURLLists builds at most one STUN and one TURN entry from
// comma separated URL lists.
func ParseIceServersFromURLLists(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	stunList := splitList(stunURLs)
	turnList := splitList(turnURLs)

	servers := []webrtc.ICEServer{}
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateIceServer(server); err != nil {
			return nil, &InvalidSettingError{Name: envStunURLs, Value: stunURLs, Err: err}
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		server := webrtc.ICEServer{
			URLs:     turnList,
			Username: strings.TrimSpace(turnUsername),
		}
		if credential := strings.TrimSpace(turnCredential); credential != "" {
			server.Credential = credential
		}
		if err := validateIceServer(server); err != nil {
			return nil, &InvalidSettingError{Name: envTurnURLs, Value: turnURLs, Err: err}
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func validateIceServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		switch {
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			requiresTurnCreds = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	if requiresTurnCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}
