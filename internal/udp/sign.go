package udp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignCommand prefixes outgoing command text with its lowercase-hex
// HMAC-SHA256 over the shared secret, separated by one space. Without a
// password the command goes out unsigned.
func SignCommand(password, command string) string {
	if password == "" {
		return command
	}
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(command))
	return hex.EncodeToString(mac.Sum(nil)) + " " + command
}
