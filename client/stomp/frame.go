// Package stomp encodes and decodes STOMP 1.2 frames. Each frame travels as one
// websocket text message, so the codec works on whole messages rather than a stream.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrLogin         = "login"
	HdrAuthorization = "Authorization"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrMessage       = "message"
	HdrUserName      = "user-name"

	Version = "1.2"
)

var (
	ErrEmptyFrame     = errors.New("stomp: empty frame")
	ErrMissingCommand = errors.New("stomp: missing command")
	ErrMalformed      = errors.New("stomp: malformed frame")
)

type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func New(command string, kv ...string) Frame {
	f := Frame{Command: command, Headers: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

func (f Frame) Header(key string) string {
	return f.Headers[key]
}

func (f *Frame) Set(key, value string) {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[key] = value
}

// Encode renders the frame including the trailing NUL. Headers are written in
// sorted order so the output is deterministic.
func Encode(f Frame) ([]byte, error) {
	if f.Command == "" {
		return nil, ErrMissingCommand
	}
	escape := f.Command != CmdConnect && f.Command != CmdConnected

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		if k == HdrContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for _, k := range keys {
		v := f.Headers[k]
		if escape {
			k, v = escapeValue(k), escapeValue(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// Decode parses one frame. A payload with only EOLs is a heart-beat and
// yields ErrEmptyFrame.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	headEnd := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (headEnd < 0 || crlf < headEnd) {
		headEnd, sepLen = crlf, 4
	}
	if headEnd < 0 {
		return Frame{}, fmt.Errorf("%w: missing header terminator", ErrMalformed)
	}

	lines := strings.Split(strings.ReplaceAll(string(data[:headEnd]), "\r\n", "\n"), "\n")
	f := Frame{
		Command: strings.TrimSpace(lines[0]),
		Headers: make(map[string]string, len(lines)-1),
	}
	if f.Command == "" {
		return Frame{}, ErrMissingCommand
	}
	unescape := f.Command != CmdConnect && f.Command != CmdConnected
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}
		if unescape {
			var err error
			if k, err = unescapeValue(k); err != nil {
				return Frame{}, err
			}
			if v, err = unescapeValue(v); err != nil {
				return Frame{}, err
			}
		}
		// first occurrence wins
		if _, dup := f.Headers[k]; !dup {
			f.Headers[k] = v
		}
	}

	body := data[headEnd+sepLen:]
	if cl, ok := f.Headers[HdrContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > len(body) {
			return Frame{}, fmt.Errorf("%w: bad content-length %q", ErrMalformed, cl)
		}
		body = body[:n]
	} else if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	f.Body = append([]byte(nil), body...)
	return f, nil
}

var escaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

func escapeValue(s string) string {
	return escaper.Replace(s)
}

func unescapeValue(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformed)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformed, s[i])
		}
	}
	return b.String(), nil
}
