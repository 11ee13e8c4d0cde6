package email

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/delta"
	"github.com/reef-io/reef/internal/pipeline"
	"github.com/reef-io/reef/internal/template"
)

// SenderFactory opens a sender for a parsed configuration. Tests substitute
// recorders; production uses NewSender.
type SenderFactory func(cfg *Config) (Sender, error)

// Exporter renders and sends email exports. It implements
// pipeline.EmailExporter.
type Exporter struct {
	renderer template.Renderer
	senders  SenderFactory
	logger   *zap.Logger
}

// NewExporter creates an Exporter. A nil senders factory uses NewSender.
func NewExporter(renderer template.Renderer, senders SenderFactory, logger *zap.Logger) *Exporter {
	if senders == nil {
		senders = NewSender
	}
	return &Exporter{
		renderer: renderer,
		senders:  senders,
		logger:   logger.Named("email"),
	}
}

var _ pipeline.EmailExporter = (*Exporter)(nil)

// group is one batch of rows destined for (at least) one email.
type group struct {
	key  string
	rows []map[string]any
}

// Export assembles and sends one email per grouping-rule batch, reporting a
// split outcome per attempted email.
func (e *Exporter) Export(ctx context.Context, profile *db.Profile, columns []string, rows []map[string]any, destConfigJSON string) ([]pipeline.SplitOutcome, error) {
	cfg, err := ParseConfig(destConfigJSON)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sender, err := e.senders(cfg)
	if err != nil {
		return nil, err
	}

	attachCfg, err := ParseAttachmentConfig(profile.AttachmentConfigJSON)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With(zap.String("profile", profile.Code))
	var outcomes []pipeline.SplitOutcome

	for _, g := range e.groupRows(profile, rows) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		msgs, err := e.assemble(profile, attachCfg, g, logger)
		if err != nil {
			logger.Error("email assembly failed", zap.String("split_key", g.key), zap.Error(err))
			outcomes = append(outcomes, pipeline.SplitOutcome{
				Key:      g.key,
				Status:   db.ExecFailed,
				RowCount: int64(len(g.rows)),
				Error:    err.Error(),
			})
			continue
		}

		for _, msg := range msgs {
			outcome := pipeline.SplitOutcome{Key: g.key, Status: db.ExecSuccess, RowCount: int64(len(g.rows))}
			if err := sender.Send(ctx, cfg, msg); err != nil {
				outcome.Status = db.ExecFailed
				outcome.Error = err.Error()
				logger.Error("email send failed", zap.String("split_key", g.key), zap.Error(err))
			} else {
				logger.Info("email sent",
					zap.String("split_key", g.key),
					zap.Int("recipients", len(msg.To)),
					zap.Int("attachments", len(msg.Attachments)))
			}
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, nil
}

// Rendered is one prospective email produced without sending, for approval
// storage.
type Rendered struct {
	Recipients           []string
	Subject              string
	HTMLBody             string
	CC                   []string
	AttachmentConfigJSON string
	ReefID               string
	DeltaHash            string
}

// RenderForApproval assembles every prospective email without sending.
func (e *Exporter) RenderForApproval(profile *db.Profile, rows []map[string]any) ([]Rendered, error) {
	attachCfg, err := ParseAttachmentConfig(profile.AttachmentConfigJSON)
	if err != nil {
		return nil, err
	}

	var out []Rendered
	for _, g := range e.groupRows(profile, rows) {
		msgs, err := e.assemble(profile, attachCfg, g, e.logger)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			r := Rendered{
				Subject:              msg.Subject,
				HTMLBody:             msg.HTMLBody,
				AttachmentConfigJSON: profile.AttachmentConfigJSON,
			}
			for _, box := range msg.To {
				r.Recipients = append(r.Recipients, box.String())
			}
			for _, box := range msg.CC {
				r.CC = append(r.CC, box.String())
			}
			if profile.DeltaEnabled && len(g.rows) > 0 {
				r.ReefID, r.DeltaHash = deltaIdentity(profile, g.rows[0])
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func deltaIdentity(profile *db.Profile, row map[string]any) (string, string) {
	raw, ok := columnValue(row, profile.DeltaReefIDColumn)
	if !ok || raw == nil {
		return "", ""
	}
	reefID := delta.NormalizeReefID(fmt.Sprintf("%v", raw), profile.DeltaIDNormalization)
	canonical := delta.CanonicalString(reefID, row, profile.DeltaNumericPrecision, profile.DeltaStripNonPrint)
	return reefID, delta.HashCanonical(profile.DeltaHashAlgorithm, canonical)
}

// groupRows applies the grouping rules: split column, single recipient, or
// one email per row.
func (e *Exporter) groupRows(profile *db.Profile, rows []map[string]any) []group {
	if len(rows) == 0 {
		return nil
	}

	if profile.SplitKeyColumn != "" {
		var order []string
		byKey := make(map[string]*group)
		for _, row := range rows {
			key := "unknown"
			if v, ok := columnValue(row, profile.SplitKeyColumn); ok && v != nil {
				key = fmt.Sprintf("%v", v)
			}
			g, ok := byKey[key]
			if !ok {
				g = &group{key: key}
				byKey[key] = g
				order = append(order, key)
			}
			g.rows = append(g.rows, row)
		}
		out := make([]group, 0, len(order))
		for _, key := range order {
			out = append(out, *byKey[key])
		}
		return out
	}

	if profile.RecipientsHardcoded != "" || e.singleRecipient(profile, rows) {
		return []group{{key: "all", rows: rows}}
	}

	out := make([]group, 0, len(rows))
	for _, row := range rows {
		key := ""
		if v, ok := columnValue(row, profile.RecipientsColumn); ok && v != nil {
			key = fmt.Sprintf("%v", v)
		}
		out = append(out, group{key: key, rows: []map[string]any{row}})
	}
	return out
}

func (e *Exporter) singleRecipient(profile *db.Profile, rows []map[string]any) bool {
	if profile.RecipientsColumn == "" {
		return false
	}
	var first string
	for i, row := range rows {
		v, ok := columnValue(row, profile.RecipientsColumn)
		if !ok || v == nil {
			return false
		}
		s := fmt.Sprintf("%v", v)
		if i == 0 {
			first = s
		} else if s != first {
			return false
		}
	}
	return true
}

// assemble builds the message set for one group. Multi-doctype bodies over
// multi-row groups split into one message per (row, document) pair; a count
// mismatch falls back to one consolidated message.
func (e *Exporter) assemble(profile *db.Profile, attachCfg *AttachmentConfig, g group, logger *zap.Logger) ([]*Message, error) {
	to, cc, err := e.resolveRecipients(profile, g)
	if err != nil {
		return nil, err
	}
	subject, err := e.resolveSubject(profile, g)
	if err != nil {
		return nil, err
	}

	ctx := template.Context{
		ProfileID:   profile.ID.String(),
		ProfileName: profile.Name,
		Now:         time.Now(),
	}
	body, err := e.renderer.Transform(g.rows, profile.TemplateBody, ctx)
	if err != nil {
		return nil, fmt.Errorf("email: render body: %w", err)
	}

	docs := splitDoctypes(body)
	if len(docs) > 1 && len(g.rows) > 1 && (attachCfg == nil || attachCfg.Mode != AttachDocumentTemplate) {
		if len(docs) == len(g.rows) {
			msgs := make([]*Message, 0, len(docs))
			for i, doc := range docs {
				atts, err := e.buildAttachments(profile, attachCfg, []map[string]any{g.rows[i]}, ctx, logger)
				if err != nil {
					return nil, err
				}
				msgs = append(msgs, &Message{To: to, CC: cc, Subject: subject, HTMLBody: doc, Attachments: atts})
			}
			return msgs, nil
		}
		logger.Warn("rendered document count does not match row count, sending consolidated",
			zap.Int("documents", len(docs)), zap.Int("rows", len(g.rows)))
	}

	atts, err := e.buildAttachments(profile, attachCfg, g.rows, ctx, logger)
	if err != nil {
		return nil, err
	}
	return []*Message{{To: to, CC: cc, Subject: subject, HTMLBody: body, Attachments: atts}}, nil
}

func (e *Exporter) resolveRecipients(profile *db.Profile, g group) (to, cc []Mailbox, err error) {
	if profile.RecipientsHardcoded != "" {
		to, err = ParseMailboxList(profile.RecipientsHardcoded)
	} else {
		v, ok := columnValue(g.rows[0], profile.RecipientsColumn)
		if !ok || v == nil {
			return nil, nil, fmt.Errorf("email: no recipient in column %q", profile.RecipientsColumn)
		}
		to, err = ParseMailboxList(fmt.Sprintf("%v", v))
	}
	if err != nil {
		return nil, nil, err
	}
	if len(to) == 0 {
		return nil, nil, fmt.Errorf("email: no recipients resolved")
	}

	if profile.CCAddresses != "" {
		cc, err = ParseMailboxList(profile.CCAddresses)
		if err != nil {
			return nil, nil, err
		}
	}
	return to, cc, nil
}

// resolveSubject: hardcoded subject rendered through the template engine,
// else a subject column, else a profile-named default.
func (e *Exporter) resolveSubject(profile *db.Profile, g group) (string, error) {
	if profile.EmailSubject != "" {
		subject, err := e.renderer.Transform(g.rows, profile.EmailSubject, template.Context{
			ProfileID:   profile.ID.String(),
			ProfileName: profile.Name,
			Now:         time.Now(),
		})
		if err != nil {
			return "", fmt.Errorf("email: render subject: %w", err)
		}
		return strings.TrimSpace(subject), nil
	}
	if profile.SubjectColumn != "" {
		if v, ok := columnValue(g.rows[0], profile.SubjectColumn); ok && v != nil {
			return strings.TrimSpace(fmt.Sprintf("%v", v)), nil
		}
	}
	return "Reef Export from " + profile.Name, nil
}

func (e *Exporter) buildAttachments(profile *db.Profile, cfg *AttachmentConfig, rows []map[string]any, ctx template.Context, logger *zap.Logger) ([]Attachment, error) {
	if cfg == nil {
		return nil, nil
	}

	var atts []Attachment
	switch cfg.Mode {
	case AttachBinary:
		var err error
		atts, err = binaryAttachments(cfg, rows)
		if err != nil {
			return nil, err
		}
	case AttachDocumentTemplate:
		content, err := e.renderer.Transform(rows, cfg.DocumentTemplate, ctx)
		if err != nil {
			return nil, fmt.Errorf("email: render document attachment: %w", err)
		}
		name := cfg.DocumentFilename
		if name == "" {
			name = profile.Name + ".html"
		}
		name = sanitizeAttachmentName(name)
		atts = []Attachment{{
			Filename:    name,
			ContentType: contentTypeByExt(name),
			Content:     []byte(content),
		}}
	default:
		return nil, fmt.Errorf("email: unsupported attachment mode %q", cfg.Mode)
	}
	return dedupeAttachments(atts, cfg, logger), nil
}

var doctypeRe = regexp.MustCompile(`(?i)<!doctype\s+html`)

// splitDoctypes splits a rendered body into its top-level HTML documents.
// A body without a doctype is one document.
func splitDoctypes(body string) []string {
	locs := doctypeRe.FindAllStringIndex(body, -1)
	if len(locs) <= 1 {
		return []string{body}
	}
	docs := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		docs = append(docs, strings.TrimSpace(body[loc[0]:end]))
	}
	return docs
}
