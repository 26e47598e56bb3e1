package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactAddress masks any delivery address. Emails keep their domain;
// everything else (phone numbers, channel handles) keeps only the last
// four characters.
func RedactAddress(addr string) string {
	if strings.Contains(addr, "@") {
		return RedactEmail(addr)
	}
	if len(addr) > 4 {
		return "***" + addr[len(addr)-4:]
	}
	return "***"
}
