package agent

import (
	"fmt"

	"github.com/curtivlad/v2xsim/engine/models"
)

// digest renders a short textual summary of recent memory for the
// advisor's compact context — never more than a few entries, so the
// advisor payload stays small regardless of how full memory is.
func digest(m models.AgentMemory) string {
	if len(m.Entries) == 0 {
		return "no recent history"
	}
	n := len(m.Entries)
	start := n - 3
	if start < 0 {
		start = 0
	}
	out := ""
	for _, e := range m.Entries[start:] {
		out += fmt.Sprintf("[%s:%s] ", e.Decision, e.Reason)
	}
	if len(m.Lessons) > 0 {
		out += "lessons: "
		for _, l := range m.Lessons {
			out += l + "; "
		}
	}
	return out
}

// deriveLesson produces a short heuristic rule from a near-miss, appended
// to memory so future digests reflect it.
func deriveLesson(n models.NearMiss) string {
	return fmt.Sprintf("near-miss with %s at ttc=%.1fs: widen following distance", n.PeerID, n.TTC)
}
