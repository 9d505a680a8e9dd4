package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/histcache/internal/api"
	"github.com/matheus3301/histcache/internal/tui/keys"
	"github.com/matheus3301/histcache/internal/tui/model"
	"github.com/matheus3301/histcache/internal/tui/views"
)

const (
	pageQuery   = "query"
	pageHistory = "history"
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	vm        *model.ViewModel
	registry  *keys.Registry
	statusBar *views.StatusBar
	form      *views.QueryForm
	history   *views.HistoryView
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c model.HistoryClient, sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(c),
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(),
		form:      views.NewQueryForm(),
		history:   views.NewHistoryView(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetSession(sessionName)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyCtrlC, Description: "^c:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddPage(pageHistory, &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddPage(pageHistory, &keys.Action{
		Rune: 'n', Key: tcell.KeyRune,
		Description: "n:new query", Visible: true,
		Handler: a.showQuery,
	})
	a.registry.AddPage(pageHistory, &keys.Action{
		Rune: 'x', Key: tcell.KeyRune,
		Description: "x:stop", Visible: true,
		Handler: a.vm.StopStream,
	})
}

func (a *App) setupCallbacks() {
	a.form.SetOnError(func(err error) {
		a.vm.Flash.SetError(err.Error(), 5*time.Second)
		a.refreshStatus()
	})
	a.form.SetOnSubmit(func(req api.HistoryRequest) {
		a.history.SetConversation(req.ConversationID)
		a.switchTo(pageHistory, a.history)
		go a.runStream(req)
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageQuery, a.form, true, true)
	a.pages.AddPage(pageHistory, a.history, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.statusBar.SetHints(a.registry.Hints(pageQuery))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape && currentPage == pageHistory {
			a.showQuery()
			return nil
		}

		// Let form fields handle plain keys.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok && event.Key() == tcell.KeyRune {
			return event
		}

		if a.registry.HandleEvent(currentPage, event) {
			return nil
		}
		return event
	})
}

func (a *App) switchTo(page string, focus tview.Primitive) {
	a.pages.SwitchToPage(page)
	a.app.SetFocus(focus)
	a.statusBar.SetHints(a.registry.Hints(page))
}

func (a *App) showQuery() {
	a.switchTo(pageQuery, a.form)
}

func (a *App) runStream(req api.HistoryRequest) {
	_ = a.vm.Stream(a.ctx, req, func() {
		items := a.vm.Items()
		a.app.QueueUpdateDraw(func() {
			a.history.Update(items)
			a.statusBar.SetProgress(a.vm.Progress())
		})
	})
	a.app.QueueUpdateDraw(a.refreshStatus)
}

func (a *App) refreshStatus() {
	a.statusBar.SetProgress(a.vm.Progress())
	msg, isErr := a.vm.Flash.Get()
	a.statusBar.SetFlash(msg, isErr)
}

// Run starts the TUI application.
func (a *App) Run() error {
	go a.startRefreshLoop()
	return a.app.Run()
}

func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.vm.LoadStatus(a.ctx); err != nil {
				a.vm.Flash.SetError("daemon: "+err.Error(), 5*time.Second)
			}
			a.app.QueueUpdateDraw(a.refreshStatus)
		case <-a.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
