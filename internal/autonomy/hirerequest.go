package autonomy

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/marketflow/coordinator/internal/capability"
)

// HireRequest is a structured request extracted from an agent's textual
// output, per spec.md §4.5.1.
type HireRequest struct {
	Capability capability.Tag
	Reason     string
	Params     map[string]interface{}
}

var agentRequestPattern = regexp.MustCompile(`\[AGENT_REQUEST:\s*(\{.*?\})\s*\]`)
var legacyNeedPattern = regexp.MustCompile(`\[NEED_AGENT:\s*([^\]]+)\]`)
var legacyReasonPattern = regexp.MustCompile(`\[REASON:\s*([^\]]*)\]`)
var legacyParamsPattern = regexp.MustCompile(`\[PARAMS:\s*(\{.*?\})\]`)

// naturalLanguagePatterns is the small, fixed set from spec.md §4.5.1.
var naturalLanguagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)I need an? ([a-zA-Z_ -]+) agent`),
	regexp.MustCompile(`(?i)requesting an? ([a-zA-Z_ -]+) agent`),
	regexp.MustCompile(`(?i)please hire an? ([a-zA-Z_ -]+) agent`),
}

type jsonHireRequest struct {
	Capability string                 `json:"capability"`
	Reason     string                 `json:"reason"`
	Params     map[string]interface{} `json:"params"`
}

// ExtractHireRequest tries the three recognized forms in order and honors
// exactly one hire request per output (spec.md §4.5.1); best-effort — if
// none match, ok is false.
func ExtractHireRequest(output string) (HireRequest, bool) {
	if m := agentRequestPattern.FindStringSubmatch(output); m != nil {
		var parsed jsonHireRequest
		if err := json.Unmarshal([]byte(m[1]), &parsed); err == nil && parsed.Capability != "" {
			if tag, ok := capability.Normalize(parsed.Capability); ok {
				return HireRequest{Capability: tag, Reason: parsed.Reason, Params: parsed.Params}, true
			}
		}
	}

	if m := legacyNeedPattern.FindStringSubmatch(output); m != nil {
		if tag, ok := capability.Normalize(strings.TrimSpace(m[1])); ok {
			req := HireRequest{Capability: tag}
			if rm := legacyReasonPattern.FindStringSubmatch(output); rm != nil {
				req.Reason = strings.TrimSpace(rm[1])
			}
			if pm := legacyParamsPattern.FindStringSubmatch(output); pm != nil {
				var params map[string]interface{}
				if err := json.Unmarshal([]byte(pm[1]), &params); err == nil {
					req.Params = params
				}
			}
			return req, true
		}
	}

	for _, pattern := range naturalLanguagePatterns {
		if m := pattern.FindStringSubmatch(output); m != nil {
			if tag, ok := capability.Normalize(strings.TrimSpace(m[1])); ok {
				return HireRequest{Capability: tag}, true
			}
		}
	}

	return HireRequest{}, false
}
