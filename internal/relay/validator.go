package relay

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxSignalBytes  = 16384 // WebRTC offers with many candidates get large
)

// ValidateMessage checks that a relayed text message meets content
// requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateSignal bounds the size of an opaque signaling payload. The content
// itself is never inspected; it only passes between the two peers.
func ValidateSignal(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("signal payload is empty")
	}
	if len(data) > MaxSignalBytes {
		return fmt.Errorf("signal payload exceeds %d byte limit", MaxSignalBytes)
	}
	return nil
}
