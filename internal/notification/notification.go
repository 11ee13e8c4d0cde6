// Package notification builds and dispatches end-of-run notifications.
// Templates are HTML with {Sentinel} placeholders substituted by plain string
// replacement. Sending is gated by the throttler and never aborts the caller:
// a failed or suppressed notification is logged and swallowed.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/throttle"
)

// Sender delivers a rendered notification. The email subsystem provides the
// production implementation; tests substitute a recorder.
type Sender interface {
	Send(ctx context.Context, subject, htmlBody string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, subject, htmlBody string) error

func (f SenderFunc) Send(ctx context.Context, subject, htmlBody string) error {
	return f(ctx, subject, htmlBody)
}

// Notifier renders notification templates and sends them through the
// throttle gate.
type Notifier struct {
	throttler *throttle.Throttler
	sender    Sender
	logger    *zap.Logger
}

// New creates a Notifier. A nil sender disables delivery (substitution and
// throttling still run, useful for dry configuration).
func New(throttler *throttle.Throttler, sender Sender, logger *zap.Logger) *Notifier {
	return &Notifier{throttler: throttler, sender: sender, logger: logger.Named("notification")}
}

// Substitute replaces every {Key} placeholder present in values. Unknown
// placeholders are left as-is so template typos stay visible.
func Substitute(tpl string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// ExecutionValues builds the sentinel map for a finished execution.
func ExecutionValues(profileName string, exec *db.Execution) map[string]string {
	values := map[string]string{
		"ProfileName":  profileName,
		"ExecutionId":  exec.ID.String(),
		"RowCount":     fmt.Sprintf("%d", exec.RowsRead),
		"FileSize":     fmt.Sprintf("%d", exec.BytesTotal),
		"OutputPath":   exec.OutputPath,
		"ErrorMessage": exec.Error,
	}
	addTimestamp(values, "StartedAt", exec.StartedAt)
	if exec.CompletedAt != nil {
		addTimestamp(values, "CompletedAt", *exec.CompletedAt)
		values["ExecutionTime"] = exec.CompletedAt.Sub(exec.StartedAt).Round(time.Millisecond).String()
	}
	return values
}

// PendingValues builds the sentinel map for pending-approval digests; the
// plural sentinels let one template read naturally for any count.
func PendingValues(count int) map[string]string {
	values := map[string]string{
		"PendingCount": fmt.Sprintf("%d", count),
		"Plural":       "s",
		"PluralVerb":   "are",
		"PluralThem":   "them",
	}
	if count == 1 {
		values["Plural"] = ""
		values["PluralVerb"] = "is"
		values["PluralThem"] = "it"
	}
	return values
}

func addTimestamp(values map[string]string, prefix string, t time.Time) {
	values[prefix+".Date"] = t.Format("2006-01-02")
	values[prefix+".Time"] = t.Format("15:04:05")
	values[prefix+".DateTime"] = t.Format("2006-01-02 15:04:05")
	values[prefix+".Timestamp"] = t.Format(time.RFC3339)
}

// Notify substitutes values into the subject and body templates and sends the
// result if the throttle gate allows it. Failures are logged, never returned.
func (n *Notifier) Notify(ctx context.Context, kind throttle.EventKind, key, subjectTpl, bodyTpl string, values map[string]string) {
	if !n.throttler.ShouldNotify(kind, key, throttle.DefaultCooldown(kind)) {
		n.logger.Debug("notification suppressed by throttle",
			zap.String("event", string(kind)), zap.String("key", key))
		return
	}
	if n.sender == nil {
		return
	}

	subject := Substitute(subjectTpl, values)
	body := Substitute(bodyTpl, values)
	if err := n.sender.Send(ctx, subject, body); err != nil {
		n.logger.Error("notification send failed",
			zap.String("event", string(kind)), zap.String("key", key), zap.Error(err))
	}
}
