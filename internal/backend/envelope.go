package backend

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// normalizeTemplates extracts a template list from any of the backend's known
// response envelopes:
//
//	[...]                      bare array
//	{"success":true,"data":[...]}
//	{"data":{"data":[...]}}
//	{"data":[...]} or {"data":{...}}
//	{...}                      bare single record
//
// Unusable payloads normalize to an empty list, never an error: on-demand
// template lookups must not fail the caller over an envelope mismatch.
func normalizeTemplates(body []byte) []MessageTemplate {
	root := gjson.ParseBytes(body)

	candidates := []gjson.Result{root}
	if root.IsObject() {
		if d := root.Get("data.data"); d.Exists() {
			candidates = append(candidates, d)
		}
		if d := root.Get("data"); d.Exists() {
			candidates = append(candidates, d)
		}
	}

	for _, c := range candidates {
		switch {
		case c.IsArray():
			var out []MessageTemplate
			if err := json.Unmarshal([]byte(c.Raw), &out); err == nil {
				return out
			}
		case c.IsObject() && looksLikeTemplate(c):
			var one MessageTemplate
			if err := json.Unmarshal([]byte(c.Raw), &one); err == nil {
				return []MessageTemplate{one}
			}
		}
	}
	return nil
}

// looksLikeTemplate guards against treating a bare envelope object (e.g.
// {"success":false}) as a single template record.
func looksLikeTemplate(r gjson.Result) bool {
	return r.Get("type").Exists() || r.Get("caption").Exists() || r.Get("_id").Exists()
}
