package email

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

var ErrEmptyMessage = errors.New("email carries no request text")

// Message is an inbound email reduced to what the pipeline needs.
type Message struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Date      time.Time `json:"date,omitempty"`
	Body      string    `json:"body"`
	Forwarded bool      `json:"forwarded"`
	Reply     bool      `json:"reply"`
}

var (
	headerLineRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:\s`)
	subjectPrefix  = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw)\s*:\s*)+`)
	forwardMarkRe  = regexp.MustCompile(`(?im)^\s*(-{2,}\s*forwarded message\s*-{2,}|-{2,}\s*original message\s*-{2,}|begin forwarded message:)\s*$`)
	replyMarkRe    = regexp.MustCompile(`(?im)^\s*on .+ wrote:\s*$`)
	quotedLineRe   = regexp.MustCompile(`^\s*>`)
	signatureRe    = regexp.MustCompile(`(?i)^(--|best regards,?|kind regards,?|regards,?|sincerely,?|thanks,?|thank you,?|sent from my \w+.*)$`)
	inlineHeaderRe = regexp.MustCompile(`(?i)^(from|sent|date|to|cc|subject):\s`)
	blankRunRe     = regexp.MustCompile(`\n{3,}`)
)

// Parse reads raw RFC 5322 text. Text without headers is taken as a bare body.
func Parse(raw string) (*Message, error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	msg := &Message{}

	body := raw
	if headerLineRe.MatchString(strings.TrimLeft(raw, "\n")) {
		m, err := mail.ReadMessage(strings.NewReader(strings.TrimLeft(raw, "\n")))
		if err == nil {
			dec := new(mime.WordDecoder)
			msg.From = decodeHeader(dec, m.Header.Get("From"))
			msg.To = decodeHeader(dec, m.Header.Get("To"))
			msg.Subject = decodeHeader(dec, m.Header.Get("Subject"))
			if d, err := m.Header.Date(); err == nil {
				msg.Date = d
			}
			text, err := readBody(m.Header.Get("Content-Type"), m.Header.Get("Content-Transfer-Encoding"), m.Body)
			if err != nil {
				return nil, fmt.Errorf("read email body: %w", err)
			}
			body = text
		}
	}

	msg.Reply = subjectIsReply(msg.Subject) || replyMarkRe.MatchString(body)
	msg.Body, msg.Forwarded = clean(body)
	msg.Subject = strings.TrimSpace(subjectPrefix.ReplaceAllString(msg.Subject, ""))
	return msg, nil
}

// Normalize returns the command text of a raw email: subject and cleaned
// body, without quoted replies, forwarding headers or signatures.
func Normalize(raw string) (string, error) {
	msg, err := Parse(raw)
	if err != nil {
		return "", err
	}
	text := msg.CommandText()
	if text == "" {
		return "", ErrEmptyMessage
	}
	return text, nil
}

func (m *Message) CommandText() string {
	switch {
	case m.Subject == "":
		return m.Body
	case m.Body == "":
		return m.Subject
	}
	return m.Subject + "\n\n" + m.Body
}

func subjectIsReply(subject string) bool {
	p := strings.ToLower(subjectPrefix.FindString(subject))
	return strings.Contains(p, "re") || strings.Contains(p, "aw")
}

func decodeHeader(dec *mime.WordDecoder, v string) string {
	if out, err := dec.DecodeHeader(v); err == nil {
		return strings.TrimSpace(out)
	}
	return strings.TrimSpace(v)
}

// readBody returns the text of a single or multipart body, preferring
// text/plain over text/html.
func readBody(contentType, encoding string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		var plain, htmlText string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", err
			}
			text, err := readBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			switch {
			case plain == "" && (ct == "text/plain" || ct == ""):
				plain = text
			case htmlText == "" && ct == "text/html":
				htmlText = text
			case plain == "" && strings.HasPrefix(ct, "multipart/"):
				plain = text
			}
		}
		if plain != "" {
			return plain, nil
		}
		return htmlText, nil
	}

	data, err := io.ReadAll(decodeTransfer(encoding, r))
	if err != nil {
		return "", err
	}
	switch {
	case mediaType == "text/html":
		return htmlToText(string(data)), nil
	case strings.HasPrefix(mediaType, "text/"):
		return string(data), nil
	}
	return "", nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &newlineStripper{r: r})
	}
	return r
}

// newlineStripper drops line breaks so base64 bodies decode.
type newlineStripper struct {
	r io.Reader
}

func (n *newlineStripper) Read(p []byte) (int, error) {
	buf := make([]byte, len(p))
	for {
		c, err := n.r.Read(buf)
		out := 0
		for _, b := range buf[:c] {
			if b != '\n' && b != '\r' {
				p[out] = b
				out++
			}
		}
		if out > 0 || err != nil {
			return out, err
		}
	}
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "blockquote": true,
}

// htmlToText keeps visible text and turns block elements into line breaks.
func htmlToText(s string) string {
	var b bytes.Buffer
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.WriteString(strings.Join(strings.Fields(string(z.Text())), " "))
			}
		}
	}
}

// clean strips quoted replies, signatures and forwarding headers. A forward
// with no new text keeps the forwarded body.
func clean(body string) (string, bool) {
	forwarded := false
	if loc := forwardMarkRe.FindStringIndex(body); loc != nil {
		forwarded = true
		before := strip(body[:loc[0]])
		if before != "" {
			return before, forwarded
		}
		body = skipInlineHeaders(body[loc[1]:])
	}
	if loc := replyMarkRe.FindStringIndex(body); loc != nil {
		body = body[:loc[0]]
	}
	return strip(body), forwarded
}

func strip(body string) string {
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if signatureRe.MatchString(trimmed) {
			break
		}
		if quotedLineRe.MatchString(line) {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	return blankRunRe.ReplaceAllString(out, "\n\n")
}

// skipInlineHeaders drops the From:/Sent:/Subject: block a client writes at
// the top of a forwarded message.
func skipInlineHeaders(body string) string {
	lines := strings.Split(strings.TrimLeft(body, "\n"), "\n")
	i := 0
	for i < len(lines) && inlineHeaderRe.MatchString(strings.TrimSpace(lines[i])) {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
