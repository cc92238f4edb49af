package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max frame contribution
	MaxContentChars = 2000 // max character count
	MaxAttachments  = 10
)

// ValidateContent checks that message content meets the size and encoding
// requirements. Empty content is rejected; attachments-only messages pass an
// empty-content check at the handler level instead.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
