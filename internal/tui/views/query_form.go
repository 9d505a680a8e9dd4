package views

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rivo/tview"

	"github.com/matheus3301/histcache/internal/api"
)

// QueryForm collects the parameters of a history request.
type QueryForm struct {
	*tview.Form
	onSubmit func(api.HistoryRequest)
	onError  func(error)
}

const (
	fieldConversation = "Conversation"
	fieldStart        = "Start"
	fieldEnd          = "End"
	fieldChunk        = "Chunk size"
	fieldForce        = "Force refresh"
	fieldRepair       = "Repair"
)

// NewQueryForm creates the request form.
func NewQueryForm() *QueryForm {
	f := tview.NewForm()
	qf := &QueryForm{Form: f}

	f.AddInputField(fieldConversation, "", 24, tview.InputFieldInteger, nil).
		AddInputField(fieldStart, "", 24, nil, nil).
		AddInputField(fieldEnd, "", 24, nil, nil).
		AddInputField(fieldChunk, strconv.Itoa(api.DefaultChunkSize), 8, tview.InputFieldInteger, nil).
		AddCheckbox(fieldForce, false, nil).
		AddCheckbox(fieldRepair, false, nil).
		AddButton("Stream", qf.submit)
	f.SetBorder(true).SetTitle(" History ")

	return qf
}

// SetOnSubmit sets the callback for a valid request.
func (qf *QueryForm) SetOnSubmit(fn func(api.HistoryRequest)) { qf.onSubmit = fn }

// SetOnError sets the callback for invalid input.
func (qf *QueryForm) SetOnError(fn func(error)) { qf.onError = fn }

func (qf *QueryForm) submit() {
	req, err := parseQuery(queryValues{
		conversation: qf.text(fieldConversation),
		start:        qf.text(fieldStart),
		end:          qf.text(fieldEnd),
		chunk:        qf.text(fieldChunk),
		force:        qf.checked(fieldForce),
		repair:       qf.checked(fieldRepair),
	})
	if err != nil {
		if qf.onError != nil {
			qf.onError(err)
		}
		return
	}
	if qf.onSubmit != nil {
		qf.onSubmit(req)
	}
}

func (qf *QueryForm) text(label string) string {
	if in, ok := qf.GetFormItemByLabel(label).(*tview.InputField); ok {
		return in.GetText()
	}
	return ""
}

func (qf *QueryForm) checked(label string) bool {
	if cb, ok := qf.GetFormItemByLabel(label).(*tview.Checkbox); ok {
		return cb.IsChecked()
	}
	return false
}

type queryValues struct {
	conversation, start, end, chunk string
	force, repair                   bool
}

// parseQuery validates form input. Dates are checked here so typos are
// reported before a stream is opened.
func parseQuery(v queryValues) (api.HistoryRequest, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v.conversation), 10, 64)
	if err != nil || id == 0 {
		return api.HistoryRequest{}, fmt.Errorf("conversation must be a non-zero number")
	}
	req := api.HistoryRequest{
		ConversationID: id,
		Start:          strings.TrimSpace(v.start),
		End:            strings.TrimSpace(v.end),
		ForceRefresh:   v.force,
		Repair:         v.repair,
	}
	for _, s := range []string{req.Start, req.End} {
		if s == "" {
			continue
		}
		if _, err := api.ParseTime(s); err != nil {
			return api.HistoryRequest{}, err
		}
	}
	if c := strings.TrimSpace(v.chunk); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return api.HistoryRequest{}, fmt.Errorf("chunk size must be zero or positive")
		}
		req.ChunkSize = &n
	}
	return req, nil
}
