package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPattern = errors.New("invalid topic pattern")

// ValidatePattern checks MQTT-style wildcard usage: + must fill a whole segment,
// # must fill the last segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	segs := strings.Split(pattern, "/")
	for i, s := range segs {
		if strings.Contains(s, "#") && (s != "#" || i != len(segs)-1) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
		if strings.Contains(s, "+") && s != "+" {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// ValidateTopic rejects empty topics and topics containing wildcards.
func ValidateTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: cannot publish to %q", ErrInvalidPattern, topic)
	}
	return nil
}

// TopicMatches reports whether topic is matched by pattern.
func TopicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if strings.HasPrefix(topic, "$") && (p[0] == "+" || p[0] == "#") {
		return false
	}
	for i, seg := range p {
		if seg == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
