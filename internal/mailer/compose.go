package mailer

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"mailout/internal/config"
	"mailout/internal/task"
)

// Composer renders the subject and body templates and gathers the
// attachment contents for one task.
type Composer struct {
	from      string
	ccSelf    bool
	subject   *template.Template
	body      *template.Template
	signature string
}

// templateData is what the subject and body templates see.
type templateData struct {
	Origin    string
	Code      string
	Signature string
}

// NewComposer parses the configured templates once. Bad templates are a
// preflight failure, not a per-task one.
func NewComposer(cfg config.Mail, from, signature string) (*Composer, error) {
	subject, err := template.New("subject").Parse(cfg.SubjectTemplate)
	if err != nil {
		return nil, fmt.Errorf("mailer: subject template: %w", err)
	}
	body, err := template.New("body").Parse(cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("mailer: body template: %w", err)
	}
	return &Composer{
		from:      from,
		ccSelf:    cfg.CCSelf,
		subject:   subject,
		body:      body,
		signature: signature,
	}, nil
}

// Compose builds the outbound message for t addressed to the given
// recipients. Attachment contents are read through fsys; an unreadable
// file is skipped with a warning rather than failing the whole task.
// The body template renders plain text which is converted to simple HTML.
func (c *Composer) Compose(fsys billy.Filesystem, t task.Task, to []string, log zerolog.Logger) (Outbound, error) {
	data := templateData{Origin: t.Origin, Code: t.Code, Signature: c.signature}

	var subj strings.Builder
	if err := c.subject.Execute(&subj, data); err != nil {
		return Outbound{}, fmt.Errorf("mailer: render subject: %w", err)
	}
	var body strings.Builder
	if err := c.body.Execute(&body, data); err != nil {
		return Outbound{}, fmt.Errorf("mailer: render body: %w", err)
	}

	out := Outbound{
		From:     c.from,
		To:       to,
		Subject:  subj.String(),
		HTMLBody: strings.ReplaceAll(body.String(), "\n", "<br>"),
	}
	if c.ccSelf {
		out.Cc = []string{c.from}
	}

	for _, path := range t.Files {
		content, err := readFile(fsys, path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("attachment unreadable, skipping")
			continue
		}
		out.Attachments = append(out.Attachments, Attachment{
			Filename: filepath.Base(path),
			Content:  content,
		})
	}
	return out, nil
}

func readFile(fsys billy.Filesystem, path string) ([]byte, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
