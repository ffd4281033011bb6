package at

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// Splitter is used for tokenizing AT command modem output. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// Tokens keep their terminating LF (and the CR before it) so that binary
// payloads travelling inside a reply survive tokenization byte for byte.
// A bare CRLF is returned as its own token.
//
// The modem does not terminate the input prompt, so a ">" at the start of
// the buffer with no LF behind it is returned as a token on its own,
// together with a following space if one is already buffered.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match a complete line
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[0 : i+1], nil
	}

	// 2. Match the unterminated input prompt
	if data[0] == Prompt[0] {
		if len(data) > 1 && data[1] == ' ' {
			return 2, data[0:2], nil
		}
		return 1, data[0:1], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of a single token produced by Splitter.
func Classify(line []byte) Kind {
	if IsLinefeed(line) {
		return KindLinefeed
	}

	switch string(Trim(line)) {
	case OK:
		return KindOK
	case ERROR:
		return KindError
	}

	switch {
	case bytes.HasPrefix(line, []byte(CmeError)):
		return KindCMEError
	case string(bytes.TrimSpace(line)) == Prompt:
		return KindPrompt
	default:
		return KindText
	}
}

// IsLinefeed reports whether line is a bare CRLF. Leading spaces are
// tolerated because the space after an input prompt can end up in front of
// the next line.
func IsLinefeed(line []byte) bool {
	return bytes.Equal(bytes.TrimLeft(line, " "), []byte(CRLF))
}

// Trim removes trailing line terminators.
func Trim(line []byte) []byte {
	return bytes.TrimRight(line, CRLF)
}

// ReplyPrefix derives the reply prefix of a command: the leading "AT" is
// removed, everything from the first "=" or "?" is cut and the reply
// separator is appended. "AT+CCID?" gives "+CCID:".
func ReplyPrefix(cmd string) string {
	verb := strings.TrimSpace(cmd)
	if len(verb) >= len(Verb) && strings.EqualFold(verb[:len(Verb)], Verb) {
		verb = verb[len(Verb):]
	}
	if i := strings.IndexAny(verb, "=?"); i >= 0 {
		verb = verb[:i]
	}
	return verb + ReplySep
}

// Fields splits the text after prefix on commas. Trailing terminators and
// surrounding blanks are removed first, and a field wrapped in double
// quotes is unquoted.
func Fields(line []byte, prefix string) []string {
	text := strings.TrimSpace(string(Trim(bytes.TrimPrefix(line, []byte(prefix)))))
	fields := strings.Split(text, FieldSep)
	for i, f := range fields {
		fields[i] = Unquote(strings.TrimSpace(f))
	}
	return fields
}

// Unquote strips one pair of surrounding double quotes.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// SplitNotification splits an unsolicited line into the key before the
// first ":" and its payload, with the leading blanks and the trailing
// terminators of the payload removed. ok is false if the line has no ":".
func SplitNotification(line []byte) (key, payload string, ok bool) {
	k, p, found := bytes.Cut(Trim(line), []byte(ReplySep))
	if !found {
		return "", "", false
	}
	return string(k), strings.TrimLeft(string(p), " "), true
}

// CMECode extracts the code of a "+CME ERROR:" line. Verbose reports
// (AT+CMEE=2) carry text instead of a number; code is -1 for those.
func CMECode(line []byte) (code int, text string) {
	text = strings.TrimSpace(string(Trim(bytes.TrimPrefix(line, []byte(CmeError)))))
	code, err := strconv.Atoi(text)
	if err != nil {
		return -1, text
	}
	return code, text
}
