package backend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalize flattens a params map into the shape both sides sign:
// values stringified, nils rendered as "null". encoding/json sorts map keys,
// which gives the same byte sequence as the backend's sorted-key stringify.
func canonicalize(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if v == nil {
			out[k] = "null"
			continue
		}
		switch x := v.(type) {
		case string:
			out[k] = x
		case bool:
			if x {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

// sign computes the hex HMAC-SHA256 over the canonical JSON of params.
func sign(secret []byte, params map[string]any) (string, error) {
	b, err := json.Marshal(canonicalize(params))
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
