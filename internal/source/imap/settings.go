package imap

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Settings holds connection settings for an IMAP account. They are
// stored as JSON in the account's settings column; the password lives
// in the credential column.
type Settings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`      // Implicit TLS (IMAPS, port 993)
	STARTTLS bool   `json:"starttls"` // STARTTLS upgrade (port 143)
	Username string `json:"username"`
}

// ParseSettings parses account settings JSON.
func ParseSettings(s string) (*Settings, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("missing IMAP settings")
	}
	var cfg Settings
	if err := json.Unmarshal([]byte(s), &cfg); err != nil {
		return nil, fmt.Errorf("parse IMAP settings: %w", err)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("IMAP settings missing host")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("IMAP settings missing username")
	}
	return &cfg, nil
}

// Addr returns the "host:port" dial address.
func (s *Settings) Addr() string {
	port := s.Port
	if port == 0 {
		if s.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}
