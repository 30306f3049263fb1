package main

import "strings"

const sanitizeCutset = " \t\r\n.,!?;:\"'`()[]{}"

// sanitize trims the transcribed text and suppresses the bare "you"
// utterance some STT backends emit for near-silent audio. Only an exact,
// punctuation-stripped "you" token is suppressed; "You're right" passes
// through. Idempotent.
func sanitize(text string) string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return ""
	}
	token := strings.Trim(strings.ToLower(cleaned), sanitizeCutset)
	if token == "you" {
		return ""
	}
	return cleaned
}
