package hiamp

import (
	"strings"

	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
)

// Separator is the horizontal rule between body and metadata trailer:
// 15 units of U+2500.
const Separator = "───────────────"

const (
	trailerPrefix   = "hq-msg:"
	trailerV1Prefix = trailerPrefix + Version + " | "
	tokenDelim      = " | "
)

// Compose renders m as HIAMP envelope text. Optional fields are omitted;
// the trailer tokens follow the normative order.
func Compose(m *Message) string {
	var b strings.Builder
	b.WriteString(m.From)
	b.WriteString("  →  ")
	b.WriteString(m.To)
	b.WriteString("\n\n")
	b.WriteString(m.Body)
	b.WriteString("\n\n")
	b.WriteString(Separator)
	b.WriteString("\n")

	b.WriteString(trailerPrefix)
	b.WriteString(Version)
	write := func(key, val string) {
		if val != "" {
			b.WriteString(tokenDelim)
			b.WriteString(key)
			b.WriteString(":")
			b.WriteString(val)
		}
	}
	write("id", m.ID)
	write("from", m.From)
	write("to", m.To)
	write("intent", string(m.Intent))
	write("thread", m.Thread)
	write("reply-to", m.ReplyTo)
	write("priority", string(m.Priority))
	write("ack", string(m.Ack))
	write("context", m.Context)
	write("ref", m.Ref)
	return b.String()
}

// Parse decodes HIAMP envelope text back into a Message and validates it.
// The trailer is the last line beginning "hq-msg:v1 | "; its tokens may
// appear in any order and values may contain colons. The first header line
// is informational and is not parsed.
func Parse(text string) (*Message, error) {
	lines := strings.Split(text, "\n")

	trailerIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], trailerV1Prefix) {
			trailerIdx = i
			break
		}
		if strings.HasPrefix(lines[i], trailerPrefix) {
			// A trailer of some other protocol version.
			ver := strings.SplitN(strings.TrimPrefix(lines[i], trailerPrefix), " ", 2)[0]
			return nil, hqerr.Newf(hqerr.CodeUnknownVersion, "unsupported envelope version %q", ver)
		}
	}
	if trailerIdx < 0 {
		return nil, hqerr.New(hqerr.CodeInvalidEnvelope, "not a HIAMP message: no hq-msg trailer")
	}

	msg := &Message{Version: Version}
	for _, token := range strings.Split(lines[trailerIdx], tokenDelim)[1:] {
		kv := strings.SplitN(token, ":", 2)
		if len(kv) != 2 {
			return nil, hqerr.Newf(hqerr.CodeInvalidEnvelope, "malformed trailer token %q", token)
		}
		key, val := kv[0], kv[1]
		switch key {
		case "id":
			msg.ID = val
		case "from":
			msg.From = val
		case "to":
			msg.To = val
		case "intent":
			msg.Intent = Intent(val)
		case "thread":
			msg.Thread = val
		case "reply-to":
			msg.ReplyTo = val
		case "priority":
			msg.Priority = Priority(val)
		case "ack":
			msg.Ack = AckMode(val)
		case "context":
			msg.Context = val
		case "ref":
			msg.Ref = val
		}
		// Unknown keys are carried by newer peers; ignore them.
	}

	msg.Body = extractBody(lines[:trailerIdx])

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsEnvelope reports whether text carries a HIAMP trailer of any version.
// Cheap pre-filter for transport watch callbacks.
func IsEnvelope(text string) bool {
	return strings.Contains(text, "\n"+trailerPrefix) || strings.HasPrefix(text, trailerPrefix)
}

// extractBody takes everything before the trailer, drops the separator rule
// and the informational header line, and trims the surrounding blank lines.
func extractBody(lines []string) string {
	// Drop the separator line closest to the trailer.
	sep := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if isRule(lines[i]) {
			sep = i
			break
		}
	}
	if sep >= 0 {
		lines = lines[:sep]
	}
	// Drop the "<from>  →  <to>" header line if present.
	if len(lines) > 0 && strings.Contains(lines[0], "→") {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func isRule(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		if r != '─' {
			return false
		}
	}
	return true
}
