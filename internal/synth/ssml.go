package synth

import (
	"regexp"
	"strings"
)

const (
	speakOpen  = "<speak>"
	speakClose = "</speak>"
)

var (
	xmlEscaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	emphasisExpr = regexp.MustCompile(`\*\*(.*?)\*\*`)
)

// PrepareSSML escapes script text and converts the script markup to SSML: "[pause]" becomes a one
// second break and "**text**" becomes strong emphasis. The result is wrapped in <speak>.
func PrepareSSML(script string) string {
	s := xmlEscaper.Replace(script)
	s = strings.ReplaceAll(s, "[pause]", `<break time="1s"/>`)
	s = emphasisExpr.ReplaceAllString(s, `<emphasis level="strong">$1</emphasis>`)
	return speakOpen + s + speakClose
}
