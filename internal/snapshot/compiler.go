package snapshot

import (
	"context"
	"fmt"
	"strings"
)

// Layout is a stored template layout with {{token}} placeholders. Campaign
// variables are substituted at compile time; unknown tokens (recipient
// fields) are left literal for send-time substitution.
type Layout struct {
	Subject   string
	HTML      string
	Text      string
	Preheader string
}

// StaticCompiler is a TemplateCompiler backed by an in-memory layout set.
// The production compiler lives outside this engine; this one covers dev,
// seeding, and tests.
type StaticCompiler struct {
	layouts map[string]Layout
}

func NewStaticCompiler(layouts map[string]Layout) *StaticCompiler {
	return &StaticCompiler{layouts: layouts}
}

var _ TemplateCompiler = (*StaticCompiler)(nil)

func (c *StaticCompiler) Compile(_ context.Context, templateID string, vars map[string]string) (Compiled, error) {
	layout, ok := c.layouts[templateID]
	if !ok {
		return Compiled{}, fmt.Errorf("unknown template %q", templateID)
	}

	return Compiled{
		Subject:   Substitute(layout.Subject, vars),
		HTML:      Substitute(layout.HTML, vars),
		Text:      Substitute(layout.Text, vars),
		Preheader: Substitute(layout.Preheader, vars),
	}, nil
}

// Substitute replaces {{key}} tokens with values, leaving unknown tokens
// untouched.
func Substitute(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{{"+k+"}}", v)
	}
	return s
}

// BuiltinLayouts is the dev/demo layout set used by seeding and local runs.
// The production template compiler is a separate service.
func BuiltinLayouts() map[string]Layout {
	return map[string]Layout{
		"weekly-digest": {
			Subject:   "{{campaign_title}}",
			HTML:      `<html><body><h1>{{campaign_title}}</h1><p>Hello {{recipient_email}},</p><div>{{articles}}</div></body></html>`,
			Text:      "{{campaign_title}}\n\nHello {{recipient_email}},\n\n{{articles}}",
			Preheader: "Your weekly digest is here",
		},
		"breaking-news": {
			Subject:   "Breaking: {{campaign_title}}",
			HTML:      `<html><body><h1>{{campaign_title}}</h1><div>{{articles}}</div></body></html>`,
			Text:      "{{campaign_title}}\n\n{{articles}}",
			Preheader: "{{campaign_title}}",
		},
		"plain": {
			Subject: "{{campaign_title}}",
			HTML:    `<html><body><p>{{articles}}</p></body></html>`,
			Text:    "{{articles}}",
		},
	}
}

// BuiltinArticles is the fixed article set backing StaticSource in dev.
func BuiltinArticles() []string {
	return []string{"art-1001", "art-1002", "art-1003"}
}

// StaticSource is a ContentSource returning a fixed article set.
type StaticSource struct {
	Articles []string
}

var _ ContentSource = (*StaticSource)(nil)

func (s *StaticSource) CurrentArticleSet(_ context.Context) ([]string, error) {
	return s.Articles, nil
}
