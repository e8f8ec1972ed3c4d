// Package markup builds the call-control documents returned to the carrier.
package markup

import (
	"strconv"

	"github.com/twilio/twilio-go/twiml"
)

// ContentType is the content type of a rendered response.
const ContentType = "application/xml"

// EnhancedSpeechModel is the only speech model the carrier offers an
// enhanced variant of.
const EnhancedSpeechModel = "phone_call"

// Response accumulates instructions in the order they should run.
type Response struct {
	verbs []twiml.Element
}

// Say speaks text. Empty language or voice leave the carrier defaults.
func (r *Response) Say(text, language, voice string) {
	r.verbs = append(r.verbs, &twiml.VoiceSay{
		Message:  text,
		Language: language,
		Voice:    voice,
	})
}

// PlayDigits plays a keypad sequence.
func (r *Response) PlayDigits(digits string) {
	r.verbs = append(r.verbs, &twiml.VoicePlay{Digits: digits})
}

// Play fetches and plays the media at url.
func (r *Response) Play(url string) {
	r.verbs = append(r.verbs, &twiml.VoicePlay{Url: url})
}

// Gather describes a speech collection instruction.
type Gather struct {
	Action        string
	Language      string
	SpeechModel   string
	Enhanced      bool
	SpeechTimeout string
}

// Gather listens for speech and posts the result to g.Action. An empty
// result is posted too, so silence still advances the call.
func (r *Response) Gather(g Gather) {
	v := &twiml.VoiceGather{
		Input:               "speech",
		Action:              g.Action,
		Language:            g.Language,
		SpeechModel:         g.SpeechModel,
		SpeechTimeout:       g.SpeechTimeout,
		ActionOnEmptyResult: "true",
	}
	if g.Enhanced && g.SpeechModel == EnhancedSpeechModel {
		v.Enhanced = strconv.FormatBool(true)
	}
	r.verbs = append(r.verbs, v)
}

// Len returns the number of instructions added so far.
func (r *Response) Len() int {
	return len(r.verbs)
}

// String renders the document.
func (r *Response) String() (string, error) {
	return twiml.Voice(r.verbs)
}
