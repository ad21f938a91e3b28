package v2x

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/curtivlad/v2xsim/engine/models"
)

// canonicalize produces the UTF-8, key-sorted serialization of every
// message field except mac. It is the exact byte sequence HMAC-SHA256 is
// computed over, so any change here invalidates every previously signed
// message — treat it as a wire format, not an implementation detail.
func canonicalize(m models.Message) []byte {
	fields := map[string]string{
		"agent_id":     string(m.AgentID),
		"x":            formatFloat(m.X),
		"y":            formatFloat(m.Y),
		"v":            formatFloat(m.V),
		"theta":        formatFloat(m.Theta),
		"intent":       string(m.Intent),
		"decision":     string(m.Decision),
		"risk_level":   string(m.RiskLevel),
		"is_emergency": strconv.FormatBool(m.IsEmergency),
		"timestamp":    strconv.FormatInt(m.Timestamp.UnixNano(), 10),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%s=%s", k, fields[k])
	}
	return []byte(b.String())
}

// formatFloat renders a float deterministically (fixed format, no locale or
// platform-dependent shortest-round-trip ambiguity) so the same payload
// always canonicalizes identically.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 17, 64)
}
