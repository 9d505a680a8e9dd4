package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/histcache/internal/tui/model"
)

// StatusBar displays the session, stream progress and flash messages.
type StatusBar struct {
	*tview.TextView
	session  string
	progress model.Progress
	hints    []string
	flash    string
	flashErr bool
}

// NewStatusBar creates a new status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv}
}

// SetSession updates the session name display.
func (sb *StatusBar) SetSession(name string) {
	sb.session = name
	sb.render()
}

// SetProgress updates the stream counters.
func (sb *StatusBar) SetProgress(p model.Progress) {
	sb.progress = p
	sb.render()
}

// SetHints updates the key hints.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, isError bool) {
	sb.flash = msg
	sb.flashErr = isError
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	_, _ = fmt.Fprint(sb, statusLine(sb.session, sb.progress, sb.hints, sb.flash, sb.flashErr, time.Now()))
}

func statusLine(session string, p model.Progress, hints []string, flash string, flashErr bool, now time.Time) string {
	icon := " "
	if p.Running {
		icon = "[green]~[-]"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] %s", session, icon)
	if p.ConversationID != 0 {
		line += fmt.Sprintf(" | #%d %d chunks, %d items (%d cached, %d remote)",
			p.ConversationID, p.Chunks, p.Items, p.Cached, p.Remote)
	}
	if p.RetryAfter > 0 {
		line += fmt.Sprintf(" | [orange]retry in %s[-]", p.RetryAfter)
	}
	line += " | " + now.Format("15:04")
	for _, h := range hints {
		line += " [::d]" + h + "[-:-:-]"
	}
	if flash != "" {
		color := "yellow"
		if flashErr {
			color = "red"
		}
		line += fmt.Sprintf(" | [%s]%s[-]", color, tview.Escape(flash))
	}
	return line
}
