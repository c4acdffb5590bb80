package mailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

type compiled struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// TemplateEngine renders the named templates. Templates are parsed once at
// construction so syntax errors surface at startup.
type TemplateEngine struct {
	templates map[TemplateName]*compiled
}

// NewTemplateEngine parses every template in sources.
func NewTemplateEngine(sources map[TemplateName]Template) (*TemplateEngine, error) {
	te := &TemplateEngine{templates: make(map[TemplateName]*compiled, len(sources))}
	for name, src := range sources {
		c, err := compile(name, src)
		if err != nil {
			return nil, err
		}
		te.templates[name] = c
	}
	return te, nil
}

func compile(name TemplateName, src Template) (*compiled, error) {
	c := &compiled{}
	var err error

	if c.subject, err = texttemplate.New(string(name) + ".subject").Option("missingkey=error").Parse(src.Subject); err != nil {
		return nil, fmt.Errorf("%w: %s subject: %v", ErrTemplateRender, name, err)
	}
	if c.text, err = texttemplate.New(string(name) + ".text").Option("missingkey=error").Parse(src.TextBody); err != nil {
		return nil, fmt.Errorf("%w: %s text body: %v", ErrTemplateRender, name, err)
	}
	if src.HTMLBody != "" {
		if c.html, err = htmltemplate.New(string(name) + ".html").Parse(src.HTMLBody); err != nil {
			return nil, fmt.Errorf("%w: %s html body: %v", ErrTemplateRender, name, err)
		}
	}
	return c, nil
}

// Render produces the subject and bodies of the named template.
func (te *TemplateEngine) Render(name TemplateName, data *Data) (subject, text, html string, err error) {
	c, ok := te.templates[name]
	if !ok {
		return "", "", "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}

	var buf bytes.Buffer
	if err := c.subject.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("%w: failed to render subject: %v", ErrTemplateRender, err)
	}
	subject = buf.String()

	buf.Reset()
	if err := c.text.Execute(&buf, data); err != nil {
		return "", "", "", fmt.Errorf("%w: failed to render text body: %v", ErrTemplateRender, err)
	}
	text = buf.String()

	if c.html != nil {
		buf.Reset()
		if err := c.html.Execute(&buf, data); err != nil {
			return "", "", "", fmt.Errorf("%w: failed to render HTML body: %v", ErrTemplateRender, err)
		}
		html = buf.String()
	}

	return subject, text, html, nil
}
