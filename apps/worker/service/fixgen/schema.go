package fixgen

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildEntityGraph renders the JSON-LD entity graph injected by
// schema-injection fixes. The graph is deterministic for a given domain.
func BuildEntityGraph(domain string) json.RawMessage {
	name := displayName(domain)
	base := "https://" + domain

	graph := map[string]any{
		"@context": "https://schema.org",
		"@type":    "AutoDealer",
		"@id":      base + "/#dealer",
		"name":     name,
		"url":      base,
		"sameAs": []string{
			fmt.Sprintf("https://www.facebook.com/%s", slug(domain)),
			fmt.Sprintf("https://www.google.com/maps/place/%s", slug(domain)),
		},
		"potentialAction": map[string]any{
			"@type":  "SearchAction",
			"target": base + "/inventory?q={query}",
		},
	}

	out, _ := json.Marshal(graph)
	return out
}

// displayName derives a human-readable name from a bare domain, e.g.
// "smith-motors.com" becomes "Smith Motors".
func displayName(domain string) string {
	host := domain
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	parts := strings.FieldsFunc(host, func(r rune) bool {
		return r == '-' || r == '_'
	})
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

func slug(domain string) string {
	host := domain
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}
