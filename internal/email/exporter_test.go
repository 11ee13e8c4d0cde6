package email

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/template"
)

type recordingSender struct {
	sent    []*Message
	failFor string // subject substring that fails the send
}

func (r *recordingSender) Send(_ context.Context, _ *Config, msg *Message) error {
	if r.failFor != "" && msg.Subject == r.failFor {
		return errors.New("relay unavailable")
	}
	r.sent = append(r.sent, msg)
	return nil
}

const testDestConfig = `{"smtp_server":"mail.example.com","from_address":"reef@example.com"}`

func testProfile(mutate func(*db.Profile)) *db.Profile {
	p := &db.Profile{
		Code:                "P-0001",
		Name:                "Daily Orders",
		IsEmailExport:       true,
		RecipientsHardcoded: "ops@example.com",
		TemplateBody:        "{{range .Rows}}<p>{{.id}}</p>{{end}}",
	}
	p.ID = uuid.New()
	if mutate != nil {
		mutate(p)
	}
	return p
}

func newTestExporter(sender Sender) *Exporter {
	return NewExporter(template.New(), func(*Config) (Sender, error) { return sender, nil }, zap.NewNop())
}

func TestExportSingleEmailForHardcodedRecipients(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)
	rows := []map[string]any{{"id": 1}, {"id": 2}}

	outcomes, err := e.Export(context.Background(), testProfile(nil), []string{"id"}, rows, testDestConfig)
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "ops@example.com", msg.To[0].Address)
	assert.Equal(t, "Reef Export from Daily Orders", msg.Subject)
	assert.Equal(t, "<p>1</p><p>2</p>", msg.HTMLBody)

	require.Len(t, outcomes, 1)
	assert.Equal(t, db.ExecSuccess, outcomes[0].Status)
	assert.Equal(t, int64(2), outcomes[0].RowCount)
}

func TestExportGroupsBySplitKey(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)
	profile := testProfile(func(p *db.Profile) {
		p.SplitKeyColumn = "region"
	})
	rows := []map[string]any{
		{"id": 1, "region": "north"},
		{"id": 2, "region": "south"},
		{"id": 3, "region": "north"},
	}

	outcomes, err := e.Export(context.Background(), profile, nil, rows, testDestConfig)
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "<p>1</p><p>3</p>", sender.sent[0].HTMLBody)
	assert.Equal(t, "<p>2</p>", sender.sent[1].HTMLBody)

	require.Len(t, outcomes, 2)
	assert.Equal(t, "north", outcomes[0].Key)
	assert.Equal(t, "south", outcomes[1].Key)
}

func TestExportOneEmailPerRowForMixedRecipients(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)
	profile := testProfile(func(p *db.Profile) {
		p.RecipientsHardcoded = ""
		p.RecipientsColumn = "contact"
	})
	rows := []map[string]any{
		{"id": 1, "contact": "a@example.com"},
		{"id": 2, "contact": "b@example.com"},
	}

	_, err := e.Export(context.Background(), profile, nil, rows, testDestConfig)
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "a@example.com", sender.sent[0].To[0].Address)
	assert.Equal(t, "b@example.com", sender.sent[1].To[0].Address)
}

func TestExportConsolidatesForSharedRecipient(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)
	profile := testProfile(func(p *db.Profile) {
		p.RecipientsHardcoded = ""
		p.RecipientsColumn = "contact"
	})
	rows := []map[string]any{
		{"id": 1, "contact": "a@example.com"},
		{"id": 2, "contact": "a@example.com"},
	}

	_, err := e.Export(context.Background(), profile, nil, rows, testDestConfig)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "<p>1</p><p>2</p>", sender.sent[0].HTMLBody)
}

func TestExportSubjectChain(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)

	// Hardcoded subject runs through the template engine.
	profile := testProfile(func(p *db.Profile) {
		p.EmailSubject = "Orders for {{.Context.ProfileName}}"
	})
	_, err := e.Export(context.Background(), profile, nil, []map[string]any{{"id": 1}}, testDestConfig)
	require.NoError(t, err)
	assert.Equal(t, "Orders for Daily Orders", sender.sent[0].Subject)

	// Subject column wins when no hardcoded subject.
	sender.sent = nil
	profile = testProfile(func(p *db.Profile) {
		p.SubjectColumn = "subj"
	})
	_, err = e.Export(context.Background(), profile, nil, []map[string]any{{"id": 1, "subj": "From Column"}}, testDestConfig)
	require.NoError(t, err)
	assert.Equal(t, "From Column", sender.sent[0].Subject)
}

func TestExportMultiDoctypeSplitsPerRow(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)
	profile := testProfile(func(p *db.Profile) {
		p.TemplateBody = "{{range .Rows}}<!doctype html><html><body>{{.id}}</body></html>{{end}}"
	})
	rows := []map[string]any{{"id": 1}, {"id": 2}}

	outcomes, err := e.Export(context.Background(), profile, nil, rows, testDestConfig)
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	assert.Contains(t, sender.sent[0].HTMLBody, ">1<")
	assert.Contains(t, sender.sent[1].HTMLBody, ">2<")
	assert.Len(t, outcomes, 2)
}

func TestExportBinaryAttachments(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)
	profile := testProfile(func(p *db.Profile) {
		p.AttachmentConfigJSON = `{"mode":"binary","content_column":"doc","filename_column":"name","dedup":"ByFilename"}`
	})
	rows := []map[string]any{
		{"id": 1, "doc": []byte("pdf bytes"), "name": "invoice.pdf"},
		{"id": 2, "doc": []byte("other"), "name": "invoice.pdf"},
	}

	_, err := e.Export(context.Background(), profile, nil, rows, testDestConfig)
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	require.Len(t, sender.sent[0].Attachments, 1)
	assert.Equal(t, "invoice.pdf", sender.sent[0].Attachments[0].Filename)
}

func TestExportReportsFailedSends(t *testing.T) {
	sender := &recordingSender{failFor: "Reef Export from Daily Orders"}
	e := newTestExporter(sender)

	outcomes, err := e.Export(context.Background(), testProfile(nil), nil, []map[string]any{{"id": 1}}, testDestConfig)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, db.ExecFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "relay unavailable")
}

func TestExportFailsOnMalformedRecipient(t *testing.T) {
	sender := &recordingSender{}
	e := newTestExporter(sender)
	profile := testProfile(func(p *db.Profile) {
		p.RecipientsHardcoded = "not-an-address"
	})

	outcomes, err := e.Export(context.Background(), profile, nil, []map[string]any{{"id": 1}}, testDestConfig)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, db.ExecFailed, outcomes[0].Status)
	assert.Empty(t, sender.sent)
}

func TestRenderForApproval(t *testing.T) {
	e := newTestExporter(&recordingSender{})
	profile := testProfile(func(p *db.Profile) {
		p.DeltaEnabled = true
		p.DeltaReefIDColumn = "id"
	})

	rendered, err := e.RenderForApproval(profile, []map[string]any{{"id": 42}})
	require.NoError(t, err)
	require.Len(t, rendered, 1)
	assert.Equal(t, []string{"ops@example.com"}, rendered[0].Recipients)
	assert.Equal(t, "42", rendered[0].ReefID)
	assert.NotEmpty(t, rendered[0].DeltaHash)
	assert.Contains(t, rendered[0].HTMLBody, "<p>42</p>")
}

func TestSplitDoctypes(t *testing.T) {
	assert.Len(t, splitDoctypes("<p>plain</p>"), 1)
	docs := splitDoctypes("<!DOCTYPE html><html>1</html><!doctype html><html>2</html>")
	require.Len(t, docs, 2)
	assert.Contains(t, docs[0], ">1<")
	assert.Contains(t, docs[1], ">2<")
}
