// Package audio converts between the telephony codec (G.711 mu-law, 8kHz)
// and the little-endian 16-bit PCM that some voice backends require.
package audio

import (
	"encoding/base64"
)

const (
	TelephonySampleRate = 8000

	mulawBias = 0x84
	mulawClip = 32635
)

// MuLawToPCM16kHz decodes 8kHz mu-law into 16kHz PCM16.
func MuLawToPCM16kHz(mulaw []byte) []byte {
	pcm8k := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		putSample(pcm8k, i, mulawToLinear(b))
	}
	return upsamplePCM(pcm8k, 2)
}

// PCM24kHzToMuLaw encodes 24kHz PCM16 into 8kHz mu-law.
func PCM24kHzToMuLaw(pcm24k []byte) []byte {
	return encodeMuLaw(downsamplePCM(pcm24k, 3))
}

// PCM16kHzToMuLaw encodes 16kHz PCM16 into 8kHz mu-law.
func PCM16kHzToMuLaw(pcm16k []byte) []byte {
	return encodeMuLaw(downsamplePCM(pcm16k, 2))
}

func Base64ToBytes(base64String string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64String)
}

func BytesToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func encodeMuLaw(pcm8k []byte) []byte {
	mulaw := make([]byte, len(pcm8k)/2)
	for i := range mulaw {
		mulaw[i] = linearToMulaw(sampleAt(pcm8k, i))
	}
	return mulaw
}

func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias

	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToMulaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
}

func putSample(pcm []byte, i int, sample int16) {
	pcm[i*2] = byte(sample)
	pcm[i*2+1] = byte(uint16(sample) >> 8)
}

// downsamplePCM averages each group of factor samples into one.
func downsamplePCM(pcm []byte, factor int) []byte {
	samples := len(pcm) / 2
	out := make([]byte, (samples/factor)*2)
	for i := 0; i < samples/factor; i++ {
		var sum int32
		for j := 0; j < factor; j++ {
			sum += int32(sampleAt(pcm, i*factor+j))
		}
		putSample(out, i, int16(sum/int32(factor)))
	}
	return out
}

// upsamplePCM linearly interpolates factor-1 samples between neighbours.
func upsamplePCM(pcm []byte, factor int) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*factor*2)
	for i := 0; i < samples; i++ {
		current := int32(sampleAt(pcm, i))
		next := current
		if i+1 < samples {
			next = int32(sampleAt(pcm, i+1))
		}
		for j := 0; j < factor; j++ {
			interpolated := current + (next-current)*int32(j)/int32(factor)
			putSample(out, i*factor+j, int16(interpolated))
		}
	}
	return out
}
