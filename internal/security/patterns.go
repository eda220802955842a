// Package security guards the persona against prompt-injection attempts. It
// classifies raw input against a fixed pattern set, walks a per-session trust
// state machine (normal → warned → cautious → escalated → probation), applies
// level-based response delays, and selects deflection responses.
//
// The gate never consults retrieval; it operates on the trimmed raw input
// only, and it never records raw user content — only its length.
package security

import "regexp"

// Pattern is one compiled injection detector. ID ends up in the security log
// and must stay stable across releases.
type Pattern struct {
	ID string
	re *regexp.Regexp
}

// injectionPatterns are checked in order; the first match wins. All are
// case-insensitive and anchored on word boundaries where the token edges are
// alphabetic.
var injectionPatterns = []Pattern{
	{
		ID: "instruction-override",
		re: regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\b.{0,40}\b(previous|prior|above|earlier|all|your)\b.{0,24}\b(instructions?|rules?|prompts?|directives?)\b`),
	},
	{
		ID: "persona-hijack",
		re: regexp.MustCompile(`(?i)\b(pretend to be|act as|you are now|roleplay as|from now on you are)\b`),
	},
	{
		ID: "prompt-exfiltration",
		re: regexp.MustCompile(`(?i)\b(show|reveal|print|output|repeat)\b.{0,30}\b(system\s+)?(prompt|instructions)\b`),
	},
	{
		ID: "jailbreak",
		re: regexp.MustCompile(`(?i)\b(jailbreak|dan mode|developer mode|do anything now|no restrictions apply)\b`),
	},
	{
		ID: "structural-injection",
		re: regexp.MustCompile(`(?i)(<\|im_(start|end)\|>|<\|(system|user|assistant)\|>|\[INST\]|\[/INST\]|<<SYS>>|###\s*(system|instruction))`),
	},
}

// Detect matches input against the pattern set and returns the id of the
// first matching pattern.
func Detect(input string) (patternID string, detected bool) {
	for _, p := range injectionPatterns {
		if p.re.MatchString(input) {
			return p.ID, true
		}
	}
	return "", false
}
