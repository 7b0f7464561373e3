package email

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/harborcrm/harbor-agent/internal/store"
)

// ComposeOptions holds everything needed to build a complete RFC 5322
// message. HTMLBody and PlainBody are rendered alternatives of the
// same content.
type ComposeOptions struct {
	// From is the sender address (e.g., "Name <addr@host>").
	From string

	// To is the list of recipient addresses.
	To []string

	// Cc is the list of CC addresses.
	Cc []string

	// Bcc is the list of BCC addresses.
	Bcc []string

	// Subject is the message subject line.
	Subject string

	// HTMLBody is the text/html part.
	HTMLBody string

	// PlainBody is the text/plain part.
	PlainBody string
}

// ComposeMessage builds a complete RFC 5322 MIME message with the
// plain and HTML bodies in a multipart/alternative structure.
func ComposeMessage(opts ComposeOptions) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header

	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	toAddrs, err := parseAddressList(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to addresses: %w", err)
	}
	h.SetAddressList("To", toAddrs)

	if len(opts.Cc) > 0 {
		ccAddrs, err := parseAddressList(opts.Cc)
		if err != nil {
			return nil, fmt.Errorf("parse cc addresses: %w", err)
		}
		h.SetAddressList("Cc", ccAddrs)
	}

	if len(opts.Bcc) > 0 {
		bccAddrs, err := parseAddressList(opts.Bcc)
		if err != nil {
			return nil, fmt.Errorf("parse bcc addresses: %w", err)
		}
		h.SetAddressList("Bcc", bccAddrs)
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain text part: %w", err)
	}
	if _, err := io.WriteString(pw, opts.PlainBody); err != nil {
		return nil, fmt.Errorf("write plain text: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain text part: %w", err)
	}

	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, opts.HTMLBody); err != nil {
		return nil, fmt.Errorf("write html: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

// parseAddressList parses a slice of email address strings into
// mail.Address values. Each string can be "Name <addr>" or just "addr".
func parseAddressList(addrs []string) ([]*mail.Address, error) {
	result := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}

// renderHTML converts markdown body content plus optional extra HTML
// (product grid) into a complete email HTML document.
func renderHTML(md, extraHTML string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}

	doc := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s%s
</body></html>`, buf.String(), extraHTML)

	return doc, nil
}

// Patterns for stripping markdown formatting.
var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	htmlTag      = regexp.MustCompile(`<[^>]+>`)
)

// markdownToPlain converts markdown to plain text by stripping
// formatting characters while preserving structure.
func markdownToPlain(md string) string {
	s := md

	s = mdCodeBlock.ReplaceAllString(s, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")

	return strings.TrimSpace(s)
}

// ReplySubject prepends "Re: " to a subject unless it already carries
// the prefix. The prefix is never doubled.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

// quoteOriginal renders the original message as a markdown quote block
// for inclusion below a reply body.
func quoteOriginal(original store.Record) string {
	from, _ := original["from_address"].(string)
	sent, _ := original["created_at"].(string)
	body, _ := original["body_html"].(string)

	plain := htmlTag.ReplaceAllString(body, "")
	plain = html.UnescapeString(plain)
	plain = strings.TrimSpace(plain)

	var b strings.Builder
	fmt.Fprintf(&b, "On %s, %s wrote:\n", sent, from)
	for _, line := range strings.Split(plain, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases a name and replaces runs of non-alphanumerics
// with single hyphens.
func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// productGridHTML renders products as a two-column HTML card grid with
// a call-to-action link into the public storefront.
func productGridHTML(products []store.Record, storeName, storeBaseURL string) string {
	if len(products) == 0 {
		return ""
	}
	slug := slugify(storeName)

	var b strings.Builder
	b.WriteString(`<table style="width:100%;border-collapse:collapse;margin-top:16px;">`)
	for i := 0; i < len(products); i += 2 {
		b.WriteString("<tr>")
		for j := i; j < i+2; j++ {
			if j >= len(products) {
				b.WriteString(`<td style="width:50%;"></td>`)
				continue
			}
			b.WriteString(productCellHTML(products[j], slug, storeBaseURL))
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

func productCellHTML(p store.Record, slug, baseURL string) string {
	id, _ := p["id"].(string)
	name, _ := p["name"].(string)
	category, _ := p["category"].(string)
	desc, _ := p["description"].(string)
	image, _ := p["image_url"].(string)
	price := recordFloat(p["price"])

	if r := []rune(desc); len(r) > 100 {
		desc = strings.TrimSpace(string(r[:99])) + "…"
	}

	img := `<div style="width:100%;height:140px;background:#eee;"></div>`
	if image != "" {
		img = fmt.Sprintf(`<img src="%s" alt="%s" style="width:100%%;height:140px;object-fit:cover;">`,
			html.EscapeString(image), html.EscapeString(name))
	}

	link := fmt.Sprintf("%s/%s/products/%s", strings.TrimRight(baseURL, "/"), slug, id)

	return fmt.Sprintf(`<td style="width:50%%;padding:8px;vertical-align:top;">`+
		`<div style="border:1px solid #ddd;border-radius:6px;overflow:hidden;">%s`+
		`<div style="padding:10px;">`+
		`<div style="font-size:11px;color:#888;text-transform:uppercase;">%s</div>`+
		`<div style="font-weight:bold;">%s</div>`+
		`<div style="color:#0a7d36;font-weight:bold;">$%.2f</div>`+
		`<div style="font-size:12px;color:#555;">%s</div>`+
		`<a href="%s" style="display:inline-block;margin-top:8px;font-size:13px;">View product</a>`+
		`</div></div></td>`,
		img, html.EscapeString(category), html.EscapeString(name), price,
		html.EscapeString(desc), link)
}

func recordFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
