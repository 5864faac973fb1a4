package synth

// Voice selects the synthesis voice.
type Voice struct {
	LanguageCode string
	Name         string
	Gender       string
}

var voices = map[string]Voice{
	"professional_male":   {LanguageCode: "en-US", Name: "en-US-Neural2-D", Gender: "MALE"},
	"professional_female": {LanguageCode: "en-US", Name: "en-US-Neural2-F", Gender: "FEMALE"},
	"casual_male":         {LanguageCode: "en-US", Name: "en-US-Neural2-J", Gender: "MALE"},
	"casual_female":       {LanguageCode: "en-US", Name: "en-US-Neural2-C", Gender: "FEMALE"},
}

// DefaultVoiceName is used when the brief names no voice or an unknown one.
const DefaultVoiceName = "professional_female"

// VoiceFor resolves a brief's voice preference, falling back to fallback and then the default.
func VoiceFor(preference, fallback string) Voice {
	if v, ok := voices[preference]; ok {
		return v
	}
	if v, ok := voices[fallback]; ok {
		return v
	}
	return voices[DefaultVoiceName]
}
