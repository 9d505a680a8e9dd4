package views

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	intsync "github.com/matheus3301/histcache/internal/sync"
)

// HistoryView renders streamed history items, oldest first.
type HistoryView struct {
	*tview.TextView
	rendered int
}

// NewHistoryView creates a new history view.
func NewHistoryView() *HistoryView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")
	return &HistoryView{TextView: tv}
}

// SetConversation resets the view for a new stream.
func (hv *HistoryView) SetConversation(id int64) {
	hv.Clear()
	hv.rendered = 0
	hv.SetTitle(fmt.Sprintf(" Conversation %d ", id))
}

// Update appends items not yet rendered. items must extend the slice passed
// to the previous call.
func (hv *HistoryView) Update(items []intsync.Item) {
	if len(items) < hv.rendered {
		hv.Clear()
		hv.rendered = 0
	}
	for _, it := range items[hv.rendered:] {
		_, _ = fmt.Fprint(hv, formatItem(it))
	}
	hv.rendered = len(items)
	hv.ScrollToEnd()
}

func formatItem(it intsync.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[-:-:-] [::d]%s #%d %s[-:-:-]",
		tview.Escape(sanitizeForTerminal(senderName(it))), it.Date, it.MessageID, it.Source)
	if it.IsForwarded {
		b.WriteString(" [::d](forwarded)[-:-:-]")
	}
	if it.ReplyTo != nil {
		fmt.Fprintf(&b, " [::d]reply to #%d[-:-:-]", *it.ReplyTo)
	}
	b.WriteString("\n")
	if it.Text != "" {
		b.WriteString(tview.Escape(sanitizeForTerminal(it.Text)))
		b.WriteString("\n")
	}
	if it.MediaType != nil {
		b.WriteString("[blue]")
		b.WriteString(tview.Escape(attachmentLine(it)))
		b.WriteString("[-]\n")
	}
	b.WriteString("\n")
	return b.String()
}

func senderName(it intsync.Item) string {
	var parts []string
	for _, p := range []*string{it.FirstName, it.LastName} {
		if p != nil && *p != "" {
			parts = append(parts, *p)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if it.Username != nil && *it.Username != "" {
		return "@" + *it.Username
	}
	return fmt.Sprintf("%d", it.SenderID)
}

func attachmentLine(it intsync.Item) string {
	name := *it.MediaType
	if it.MediaFilename != nil {
		name = *it.MediaFilename
	}
	switch {
	case it.MediaPath != nil:
		return fmt.Sprintf("[%s] %s", name, *it.MediaPath)
	case it.MediaSkipReason != nil:
		return fmt.Sprintf("[%s] not downloaded: %s", name, *it.MediaSkipReason)
	default:
		return fmt.Sprintf("[%s]", name)
	}
}
