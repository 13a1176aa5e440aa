package twilio

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

const (
	HoldMessage    = "Please hold while we connect you to an agent."
	FailureMessage = "We're sorry, we could not connect you to an agent right now. Please try again later."
	GoodbyeMessage = "Thank you for calling. Goodbye."

	dialTimeoutSeconds = "30"
)

// StreamTwiML answers an inbound call by opening a bidirectional media stream
// to streamURL. Twilio requests actionURL when the stream ends.
func StreamTwiML(streamURL, actionURL, caller string) (string, error) {
	stream := twiml.VoiceStream{
		Name: "voice-gateway",
		Url:  streamURL,
		InnerElements: []twiml.Element{
			twiml.VoiceParameter{Name: "caller", Value: caller},
		},
	}
	connect := twiml.VoiceConnect{
		Action:        actionURL,
		InnerElements: []twiml.Element{stream},
	}
	return twiml.Voice([]twiml.Element{connect})
}

// TransferTwiML dials the contact center directly and plays the handover
// digits once the far end answers.
func TransferTwiML(pending PendingTransfer, statusURL string) (string, error) {
	if pending.Mode == ModeConference {
		return ConferenceTwiML(pending.ConferenceName, statusURL)
	}
	dial := twiml.VoiceDial{
		Timeout: dialTimeoutSeconds,
		Action:  statusURL,
		InnerElements: []twiml.Element{
			twiml.VoiceNumber{PhoneNumber: pending.Destination, SendDigits: pending.Digits},
		},
	}
	return twiml.Voice([]twiml.Element{
		twiml.VoiceSay{Message: HoldMessage},
		dial,
	})
}

// ConferenceTwiML puts the caller into the handover conference the outbound
// leg joins.
func ConferenceTwiML(name, statusURL string) (string, error) {
	dial := twiml.VoiceDial{
		Timeout: dialTimeoutSeconds,
		Action:  statusURL,
		InnerElements: []twiml.Element{
			twiml.VoiceConference{Name: name},
		},
	}
	return twiml.Voice([]twiml.Element{
		twiml.VoiceSay{Message: HoldMessage},
		dial,
	})
}

// legTwiML is what the outbound leg runs after answering: it sends the digits
// and joins the conference.
func legTwiML(digits, conference string) (string, error) {
	return twiml.Voice([]twiml.Element{
		twiml.VoicePlay{Digits: digits},
		twiml.VoiceDial{InnerElements: []twiml.Element{twiml.VoiceConference{Name: conference}}},
	})
}

// holdLegTwiML keeps the outbound leg open until the digits are known.
func holdLegTwiML(seconds int) (string, error) {
	return twiml.Voice([]twiml.Element{
		twiml.VoicePause{Length: fmt.Sprintf("%d", seconds)},
	})
}

func FailureTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{
		twiml.VoiceSay{Message: FailureMessage},
		twiml.VoiceHangup{},
	})
}

func GoodbyeTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{
		twiml.VoiceSay{Message: GoodbyeMessage},
		twiml.VoiceHangup{},
	})
}
