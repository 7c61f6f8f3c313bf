package delivery

import (
	"strings"

	"PulseRelay/internal/models"
)

// MaskEmail keeps the first two characters of the local part and the domain.
func MaskEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return maskAll(addr)
	}
	local, domain := []rune(addr[:at]), addr[at+1:]
	if len(local) > 2 {
		local = local[:2]
	}
	return string(local) + "***@" + domain
}

// MaskPhone keeps the first three and last two characters.
func MaskPhone(phone string) string {
	r := []rune(phone)
	if len(r) <= 5 {
		return maskAll(phone)
	}
	return string(r[:3]) + "***" + string(r[len(r)-2:])
}

// MaskRecipient masks according to the channel's address format.
func MaskRecipient(ch models.Channel, recipient string) string {
	if ch == models.ChannelSMS {
		return MaskPhone(recipient)
	}
	return MaskEmail(recipient)
}

func maskAll(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
