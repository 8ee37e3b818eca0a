package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/mjasion/meterlink/device"
)

type statusReply struct {
	Message *string `json:"message"`
}

// accessOutcome interprets the access endpoint reply. The firmware answers
// with a status token rather than an HTTP status.
func accessOutcome(resp *device.Response) error {
	const op = "authenticate"

	token, err := replyToken(resp.Body)
	if err != nil {
		return device.ProtocolError(op, err)
	}
	switch {
	case strings.EqualFold(token, "OK"):
		return nil
	case strings.HasPrefix(strings.ToLower(token), "incorrect"):
		return device.AuthError(op, fmt.Errorf("device rejected password (%q)", token))
	default:
		return device.ProtocolError(op, fmt.Errorf("unexpected access reply %q", token))
	}
}

// commandOutcome interprets the control endpoint reply. Older firmware answers
// with plain text.
func commandOutcome(resp *device.Response) error {
	const op = "toggle_output"

	body := bytes.TrimSpace(resp.Body)
	token, err := replyToken(body)
	if err != nil {
		if len(body) > 0 && body[0] != '{' && plainSuccess(string(body)) {
			return nil
		}
		return device.ProtocolError(op, fmt.Errorf("unexpected control reply %q", truncate(body)))
	}
	if strings.EqualFold(token, "OK") || strings.EqualFold(token, "success") {
		return nil
	}
	return device.ProtocolError(op, fmt.Errorf("unexpected control reply %q", token))
}

// plainSuccess looks for a whole "OK" or "success" word, case-sensitive.
func plainSuccess(text string) bool {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	return slices.Contains(words, "OK") || slices.Contains(words, "success")
}

func replyToken(body []byte) (string, error) {
	var reply statusReply
	if err := json.Unmarshal(bytes.TrimSpace(body), &reply); err != nil {
		return "", fmt.Errorf("unparsable reply %q: %w", truncate(body), err)
	}
	if reply.Message == nil {
		return "", fmt.Errorf("reply without status token: %q", truncate(body))
	}
	return strings.TrimSpace(*reply.Message), nil
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
