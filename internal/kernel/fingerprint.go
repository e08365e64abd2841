package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint hashes the action name and params into the stable identity a
// request has for idempotency and audit purposes. encoding/json sorts map
// keys, so equal params always marshal identically.
func Fingerprint(action string, params map[string]any) string {
	b, err := json.Marshal(params)
	if err != nil {
		// Params came off the wire as JSON; a marshal failure means a
		// handler-constructed value snuck in. Hash what we can name.
		b = []byte("unmarshalable")
	}
	h := sha256.New()
	h.Write([]byte(action))
	h.Write([]byte{'\n'})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
