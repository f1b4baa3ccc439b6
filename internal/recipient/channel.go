package recipient

import (
	"strings"

	"github.com/making-something/articon-dispatch/internal/ingest"
)

// Channel names the delivery medium a contact address belongs to.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// ParseChannel defaults to email.
func ParseChannel(value string) Channel {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "whatsapp", "wa", "phone":
		return ChannelWhatsApp
	default:
		return ChannelEmail
	}
}

// Aliases returns the header aliases for exports of this channel.
func (c Channel) Aliases() ingest.Aliases {
	if c == ChannelWhatsApp {
		return ingest.PhoneAliases
	}
	return ingest.EmailAliases
}

// NormalizeAddress canonicalizes an address so ledger lookups compare like
// with like. Emails are lowercased; phone numbers lose separators and any
// leading plus.
func (c Channel) NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if c == ChannelWhatsApp {
		var b strings.Builder
		for _, r := range address {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return strings.ToLower(address)
}

// ValidAddress reports whether address is plausible for the channel. Email
// needs exactly one "@" with text on both sides; WhatsApp numbers need 7 to
// 15 digits after an optional leading "+", ignoring spaces, dashes, dots and
// parentheses.
func (c Channel) ValidAddress(address string) bool {
	address = strings.TrimSpace(address)
	if c == ChannelWhatsApp {
		return validPhone(address)
	}
	if strings.Count(address, "@") != 1 || strings.ContainsAny(address, " \t\r\n") {
		return false
	}
	at := strings.IndexByte(address, '@')
	return at > 0 && at < len(address)-1
}

func validPhone(address string) bool {
	address = strings.TrimPrefix(address, "+")
	digits := 0
	for _, r := range address {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}
