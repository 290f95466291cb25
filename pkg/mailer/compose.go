package mailer

import (
	"bytes"
	"errors"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Composer renders message bodies into HTML emails.
type Composer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithPolicy replaces the HTML sanitization policy.
func WithPolicy(p *bluemonday.Policy) ComposerOption {
	return func(c *Composer) {
		if p != nil {
			c.policy = p
		}
	}
}

// NewComposer creates a composer with GitHub-flavoured Markdown and a policy
// that keeps basic formatting, links and tables.
func NewComposer(opts ...ComposerOption) *Composer {
	c := &Composer{
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: emailPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func emailPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements(
		"p", "br", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"strong", "b", "em", "i", "del",
		"ul", "ol", "li",
		"code", "pre", "blockquote",
		"table", "thead", "tbody", "tr", "th", "td",
	)
	p.AllowAttrs("href").OnElements("a")
	p.RequireNoFollowOnLinks(true)
	return p
}

// Compose builds an Email from msg. The original body is kept as the text part.
func (c *Composer) Compose(msg Message) (*Email, error) {
	if msg.Body == "" {
		return nil, ErrNoContent
	}

	var buf bytes.Buffer
	if err := c.md.Convert([]byte(msg.Body), &buf); err != nil {
		return nil, errors.Join(ErrRender, err)
	}

	email := &Email{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    c.policy.Sanitize(buf.String()),
		Text:    msg.Body,
	}
	if msg.ID != "" {
		email.Headers = map[string]string{"X-Postman-Email-ID": msg.ID}
	}
	if msg.To == "" {
		email.To = nil
	}
	if err := email.Validate(); err != nil {
		return nil, err
	}
	return email, nil
}
