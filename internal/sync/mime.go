package sync

import (
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message/mail"
)

// validateMessage checks that a fetched blob parses as an RFC 5322
// message before it is cached permanently. A body that cannot even
// yield a header block is presumed truncated by the transfer and is
// better refetched than mirrored.
func validateMessage(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty message")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unknown charsets and exotic MIME are fine to cache; only a
		// missing header block disqualifies the payload.
		if mr == nil {
			return fmt.Errorf("parsing message: %w", err)
		}
		return nil
	}
	defer mr.Close()

	for {
		_, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Body decoding trouble, header block was sound.
			return nil
		}
	}
}
