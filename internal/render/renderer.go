// Package render personalizes campaign subjects and bodies with Liquid
// templates. Campaign authors write shortcodes like {name} or
// {unsubscribe_link}; the renderer rewrites them to Liquid bindings and
// renders against the recipient. With a tracking base configured it also
// instruments the body: links are wrapped through the click redirect, an
// open pixel is appended, and {unsubscribe_link} resolves to a
// per-delivery unsubscribe token.
package render

import (
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/tracker"
)

// shortcodePattern matches {name}-style placeholders. Anything with spaces
// or Liquid syntax inside the braces is left alone.
var shortcodePattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// hrefPattern matches absolute links in a rendered body for click wrapping.
var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Renderer is safe for concurrent use. Compiled templates are cached per
// source text, so a campaign's subject and body compile once per fire.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template source -> *liquid.Template

	companyName string
	trackBase   string
	now         func() time.Time
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithCompanyName sets the value bound to {company_name}.
func WithCompanyName(name string) Option {
	return func(r *Renderer) { r.companyName = name }
}

// WithTrackingBase sets the public URL prefix the tracking endpoints are
// mounted under, e.g. "https://go.example.com/track". Without it bodies go
// out uninstrumented and {unsubscribe_link} renders empty.
func WithTrackingBase(base string) Option {
	return func(r *Renderer) { r.trackBase = strings.TrimRight(base, "/") }
}

// WithClock overrides the time source for {year} and {date} (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// New creates a renderer with the default filter set registered.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		engine: liquid.NewEngine(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	// {{ name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	})
	r.engine.RegisterFilter("urlencode", url.QueryEscape)

	return r
}

// RenderMessage personalizes a campaign's subject and body for one
// delivery. When a tracking base is set, the body is instrumented with the
// per-delivery open pixel and click-wrapped links for the given occurrence.
func (r *Renderer) RenderMessage(c *domain.Campaign, rec *domain.Recipient, occurrence time.Time) (string, string) {
	subject := r.render(c.Subject, r.bindings(rec, ""))

	unsub := ""
	if r.trackBase != "" {
		unsub = r.trackBase + "/unsubscribe/" + tracker.EncodePayload(c.ID, rec.ID, occurrence.Unix(), "")
	}
	body := r.render(c.Body, r.bindings(rec, unsub))
	if r.trackBase != "" {
		body = r.instrument(body, c.ID, rec.ID, occurrence.Unix())
	}
	return subject, body
}

// Render substitutes recipient bindings into the template without any
// tracking instrumentation.
func (r *Renderer) Render(template string, rec *domain.Recipient) string {
	return r.render(template, r.bindings(rec, ""))
}

// render is lax: a template that fails to compile or render is returned
// unmodified so a bad placeholder degrades to literal text rather than
// blocking a whole campaign fire.
func (r *Renderer) render(template string, bindings map[string]interface{}) string {
	src := shortcodePattern.ReplaceAllString(template, "{{ $1 }}")

	tpl, err := r.compile(src)
	if err != nil {
		log.Printf("[render] compile template: %v", err)
		return template
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		log.Printf("[render] render template: %v", err)
		return template
	}
	return out
}

// instrument rewrites absolute links through the click redirect and appends
// the open pixel. Links already pointing at the tracking host are left
// alone so an author-pasted unsubscribe URL is not double wrapped.
func (r *Renderer) instrument(body, campaignID, recipientID string, occurrence int64) string {
	body = hrefPattern.ReplaceAllStringFunc(body, func(m string) string {
		target := hrefPattern.FindStringSubmatch(m)[1]
		if strings.HasPrefix(target, r.trackBase+"/") {
			return m
		}
		token := tracker.EncodePayload(campaignID, recipientID, occurrence, target)
		return fmt.Sprintf(`href="%s/click/%s"`, r.trackBase, token)
	})

	pixel := fmt.Sprintf(`<img src="%s/open/%s" width="1" height="1" alt="" style="display:none">`,
		r.trackBase, tracker.EncodePayload(campaignID, recipientID, occurrence, ""))
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx >= 0 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}

func (r *Renderer) compile(src string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(src, tpl)
	return tpl, nil
}

func (r *Renderer) bindings(rec *domain.Recipient, unsubscribeLink string) map[string]interface{} {
	now := r.now()
	return map[string]interface{}{
		"name":             rec.Name,
		"email":            rec.Email,
		"phone":            rec.ChannelAddress,
		"company_name":     r.companyName,
		"year":             now.Year(),
		"date":             now.Format("January 2, 2006"),
		"unsubscribe_link": unsubscribeLink,
	}
}
