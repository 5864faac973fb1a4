package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepareSSML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "Hello world.", want: "<speak>Hello world.</speak>"},
		{name: "pause", in: "Hi [pause] there", want: `<speak>Hi <break time="1s"/> there</speak>`},
		{name: "emphasis", in: "This is **key** and **also key**", want: `<speak>This is <emphasis level="strong">key</emphasis> and <emphasis level="strong">also key</emphasis></speak>`},
		{name: "escapes", in: "Salt & <pepper>", want: "<speak>Salt &amp; &lt;pepper&gt;</speak>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrepareSSML(tt.in))
		})
	}
}

func TestVoiceFor(t *testing.T) {
	assert.Equal(t, "en-US-Neural2-J", VoiceFor("casual_male", "").Name)
	assert.Equal(t, "en-US-Neural2-D", VoiceFor("robot", "professional_male").Name)
	assert.Equal(t, "en-US-Neural2-F", VoiceFor("", "").Name)
}
