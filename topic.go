package msgbus

import (
	"errors"
	"strings"
)

// Topic validation errors.
var (
	ErrEmptyTopic      = errors.New("empty topic")
	ErrInvalidWildcard = errors.New("invalid wildcard usage")
)

// ValidateTopicName checks a concrete topic used for publishing. Wildcards
// are not allowed in published topics.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	for _, level := range strings.Split(topic, "/") {
		if level == "*" || level == ">" {
			return ErrInvalidWildcard
		}
	}
	return nil
}

// ValidateTopicPattern checks a subscription pattern. "*" matches exactly
// one level; ">" matches one or more trailing levels and must be the final
// level.
func ValidateTopicPattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyTopic
	}
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		if level == ">" && i != len(levels)-1 {
			return ErrInvalidWildcard
		}
	}
	return nil
}

// TopicMatch reports whether topic matches the subscription pattern.
func TopicMatch(pattern, topic string) bool {
	patLevels := strings.Split(pattern, "/")
	topLevels := strings.Split(topic, "/")

	for i, pl := range patLevels {
		if pl == ">" {
			// Tail wildcard requires at least one remaining level.
			return len(topLevels) > i
		}
		if i >= len(topLevels) {
			return false
		}
		if pl != "*" && pl != topLevels[i] {
			return false
		}
	}
	return len(topLevels) == len(patLevels)
}
