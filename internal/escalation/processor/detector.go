package processor

import "strings"

// Detector matches caller transcripts against the configured trigger phrases.
type Detector struct {
	phrases []string
}

func NewDetector(phrases []string) *Detector {
	d := &Detector{phrases: make([]string, 0, len(phrases))}
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

// Evaluate reports whether text contains any trigger phrase, ignoring case.
func (d *Detector) Evaluate(text string) bool {
	_, ok := d.Match(text)
	return ok
}

// Match returns the first trigger phrase found in text.
func (d *Detector) Match(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
