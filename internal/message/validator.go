package message

import (
	"strings"
	"unicode/utf8"

	"github.com/whisper/dm-chat/internal/apperr"
)

const (
	MaxTextBytes = 4096 // one WebSocket frame
	MaxTextChars = 2000
)

// ValidateText checks the content rules for a message body.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Validation("message text is empty")
	}
	if len(text) > MaxTextBytes {
		return apperr.Validation("message exceeds %d byte limit", MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return apperr.Validation("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.Validation("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
