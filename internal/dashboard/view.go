package dashboard

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"
	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/treadmill"
)

type MetricsFeed interface {
	ListenMetrics(ch chan<- session.LiveMetrics) func()
}

type LinkStatus interface {
	State() treadmill.State
	ListenState(ch chan<- treadmill.State) func()
}

// View is the terminal dashboard: metrics and laps on the left, logs on the right
type View struct {
	app        *tview.Application
	controller *Controller
	feed       MetricsFeed
	link       LinkStatus
	logs       *LogBuffer
	logger     *log.Logger

	mainFlex     *tview.Flex
	metricsPanel *tview.TextView
	lapsTable    *tview.Table
	statusBar    *tview.TextView
	logView      *tview.TextView

	lapCount  int
	linkState treadmill.State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ViewArgs struct {
	App        *tview.Application
	Controller *Controller
	Feed       MetricsFeed
	Link       LinkStatus
	Logs       *LogBuffer
	Logger     *log.Logger
}

func NewView(args ViewArgs) *View {
	if args.Logger == nil {
		panic("View: logger cannot be nil")
	}
	if args.Controller == nil {
		panic("View: controller cannot be nil")
	}
	if args.App == nil {
		args.App = tview.NewApplication()
	}
	if args.Logs == nil {
		args.Logs = NewLogBuffer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		app:        args.App,
		controller: args.Controller,
		feed:       args.Feed,
		link:       args.Link,
		logs:       args.Logs,
		logger:     args.Logger,
		linkState:  treadmill.StateDisconnected,
		ctx:        ctx,
		cancel:     cancel,
	}
	if v.link != nil {
		v.linkState = v.link.State()
	}
	v.initialize()
	v.app.SetInputCapture(v.handleKey)
	return v
}

func (v *View) initialize() {
	v.metricsPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.metricsPanel.SetBorder(true).SetTitle(" Live ")
	v.metricsPanel.SetText(formatMetrics(session.LiveMetrics{}))

	v.lapsTable = tview.NewTable().
		SetFixed(1, 0).
		SetSelectable(false, false)
	v.lapsTable.SetBorder(true).SetTitle(" Laps ")
	for col, title := range lapHeader {
		v.lapsTable.SetCell(0, col, tview.NewTableCell(title).
			SetTextColor(tcell.ColorYellow).
			SetAlign(tview.AlignRight).
			SetSelectable(false))
	}

	v.statusBar = tview.NewTextView().SetDynamicColors(true)
	v.statusBar.SetText(formatStatus(v.linkState, v.controller.TargetSpeed()))

	// no SetChangedFunc(app.Draw) here: log lines written after Stop would hang shutdown
	v.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.metricsPanel, 0, 3, false).
		AddItem(v.lapsTable, 0, 2, false)

	body := tview.NewFlex().
		AddItem(leftColumn, 0, 1, true).
		AddItem(v.logView, 0, 1, false)

	v.mainFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(v.statusBar, 1, 0, false)
}

func (v *View) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyEscape {
		v.controller.Quit()
		return nil
	}
	if event.Key() == tcell.KeyUp {
		v.runCommand(v.controller.IncreaseSpeed)
		return nil
	}
	if event.Key() == tcell.KeyDown {
		v.runCommand(v.controller.DecreaseSpeed)
		return nil
	}
	if event.Key() != tcell.KeyRune {
		return event
	}

	switch event.Rune() {
	case 'q', 'Q':
		v.controller.Quit()
	case 's', 'S':
		go_func_utils.SafeGoTracked(v.logger, &v.wg, func() { v.controller.SaveSession() })
	case '+', '=':
		v.runCommand(v.controller.IncreaseSpeed)
	case '-', '_':
		v.runCommand(v.controller.DecreaseSpeed)
	default:
		return event
	}
	return nil
}

// runCommand keeps the input loop free while a speed command waits for its reply
func (v *View) runCommand(cmd func() error) {
	go_func_utils.SafeGoTracked(v.logger, &v.wg, func() {
		if err := cmd(); err == nil {
			v.refreshStatus()
		}
	})
}

func (v *View) startListeners() {
	if v.feed != nil {
		metricsCh := make(chan session.LiveMetrics, 1)
		unregister := v.feed.ListenMetrics(metricsCh)
		go_func_utils.SafeGoTracked(v.logger, &v.wg, func() {
			defer unregister()
			for {
				select {
				case <-v.ctx.Done():
					return
				case m := <-metricsCh:
					v.queue(func() { v.updateMetrics(m) })
				}
			}
		})
	}

	if v.link != nil {
		stateCh := make(chan treadmill.State, 4)
		unregister := v.link.ListenState(stateCh)
		go_func_utils.SafeGoTracked(v.logger, &v.wg, func() {
			defer unregister()
			for {
				select {
				case <-v.ctx.Done():
					return
				case state := <-stateCh:
					v.queue(func() {
						v.linkState = state
						v.statusBar.SetText(formatStatus(state, v.controller.TargetSpeed()))
					})
				}
			}
		})
	}

	logCh := make(chan string, 1)
	unregister := v.logs.Listen(logCh)
	go_func_utils.SafeGoTracked(v.logger, &v.wg, func() {
		defer unregister()
		// resizes do not produce log lines, so the tail is also refreshed on a tick
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-logCh:
			case <-ticker.C:
			}
			v.queue(v.updateLogs)
		}
	})
}

func (v *View) updateMetrics(m session.LiveMetrics) {
	v.metricsPanel.SetText(formatMetrics(m))
	if len(m.Laps) < v.lapCount {
		// session reset
		v.lapsTable.Clear()
		for col, title := range lapHeader {
			v.lapsTable.SetCell(0, col, tview.NewTableCell(title).SetTextColor(tcell.ColorYellow).SetAlign(tview.AlignRight))
		}
		v.lapCount = 0
	}
	for i := v.lapCount; i < len(m.Laps); i++ {
		for col, text := range lapRow(m.Laps[i]) {
			v.lapsTable.SetCell(i+1, col, tview.NewTableCell(text).SetAlign(tview.AlignRight))
		}
	}
	v.lapCount = len(m.Laps)
	v.lapsTable.ScrollToEnd()
}

func (v *View) updateLogs() {
	_, _, _, height := v.logView.GetInnerRect()
	if height <= 0 {
		return
	}
	lines := v.logs.Tail(height)
	escaped := make([]string, len(lines))
	for i, line := range lines {
		escaped[i] = tview.Escape(line)
	}
	v.logView.SetText(strings.Join(escaped, "\n"))
}

// queue hands f to the UI goroutine unless the dashboard has stopped
func (v *View) queue(f func()) {
	if v.ctx.Err() != nil {
		return
	}
	v.app.QueueUpdateDraw(f)
}

func (v *View) refreshStatus() {
	v.queue(func() {
		v.statusBar.SetText(formatStatus(v.linkState, v.controller.TargetSpeed()))
	})
}

// Run shows the dashboard and blocks until Stop
func (v *View) Run() error {
	v.startListeners()
	defer v.cancel()
	v.app.SetRoot(v.mainFlex, true)
	if err := v.app.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (v *View) Stop() {
	v.app.Stop()
}

// Shutdown stops the listeners and waits for pending commands
func (v *View) Shutdown() {
	v.logger.Println("Dashboard: Shutting down")
	v.cancel()
	v.wg.Wait()
	v.logger.Println("Dashboard: Shutdown complete")
}
