package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

const redactedMarker = "[REDACTED]"

// Secret is a credential carried by the config: the feed bearer token and the alert channel
// keys. Printed, it shows a short fingerprint so operators can tell which credential a process
// loaded. Serialized, it is a fixed marker, which keeps credentials out of Config.Hash.
type Secret string

// IsSet reports whether the credential was configured
func (s Secret) IsSet() bool { return s != "" }

// Fingerprint is the first 8 hex digits of the SHA-256 of the value, empty when unset
func (s Secret) Fingerprint() string {
	if !s.IsSet() {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}

func (s Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return "sha256:" + s.Fingerprint()
}

// GoString keeps %#v from printing the raw value
func (s Secret) GoString() string { return strconv.Quote(s.String()) }

func (s Secret) MarshalYAML() (interface{}, error) { return s.marker(), nil }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.marker()) }

func (s Secret) marker() string {
	if !s.IsSet() {
		return ""
	}
	return redactedMarker
}

// Reveal returns the raw value for the call site that must send it
func (s Secret) Reveal() string {
	return string(s)
}

type secretField struct {
	key   string
	value Secret
}

// secretFields lists every credential with its config key
func (c *Config) secretFields() []secretField {
	return []secretField{
		{"feed.auth_token", c.Feed.AuthToken},
		{"alert.slack_webhook", c.Alert.SlackWebhook},
		{"alert.telegram_token", c.Alert.TelegramToken},
	}
}

// validateSecrets rejects credentials a venue or channel would refuse, such as a value with
// whitespace pasted from a .env file
func (c *Config) validateSecrets() []error {
	var errs []error
	for _, f := range c.secretFields() {
		if strings.ContainsAny(f.value.Reveal(), " \t\r\n") {
			errs = append(errs, ValidationError{Field: f.key, Value: f.value, Message: "must not contain whitespace"})
		}
	}
	if c.Alert.TelegramToken.IsSet() && c.Alert.TelegramChatID == "" {
		errs = append(errs, ValidationError{Field: "alert.telegram_chat_id", Message: "is required when telegram_token is set"})
	}
	return errs
}
