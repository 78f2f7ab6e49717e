package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxGroupName    = 64
)

// NormalizeContent trims surrounding whitespace from a draft message.
func NormalizeContent(text string) string {
	return strings.TrimSpace(text)
}

// ValidateMessage checks that a chat message meets content requirements.
// Content must already be normalized.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateGroup checks a group creation request: a name and at least two
// other members besides the creator.
func ValidateGroup(name string, memberIDs []string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("group name is required")
	}
	if utf8.RuneCountInString(name) > MaxGroupName {
		return fmt.Errorf("group name exceeds %d characters", MaxGroupName)
	}
	if len(memberIDs) < 2 {
		return fmt.Errorf("a group needs at least 2 other members")
	}
	return nil
}
