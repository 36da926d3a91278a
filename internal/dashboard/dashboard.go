package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/torosent/probefire/internal/metrics"
)

// RunConfig holds run parameters for display.
type RunConfig struct {
	BaseID       string        // Local id prefix
	PeerID       string        // Counterparty id
	Target       string        // Transport endpoint, empty for loopback
	Transport    string        // loopback, websocket or grpc
	Sessions     int           // Requested sessions
	Rate         float64       // Probes per second
	Duration     time.Duration // Measured window (0 = until stopped)
	Warmup       time.Duration // Warm-up before measuring
	ProbeTimeout time.Duration // Reply deadline per probe
	ConfigFile   string        // Path to config file if used
}

// StatsFunc returns the current snapshot of the run.
type StatsFunc func() metrics.RunStats

// Dashboard renders a live terminal UI for a probe run.
type Dashboard struct {
	stats        StatsFunc
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownFunc func()
	wg           sync.WaitGroup
	mu           sync.Mutex

	// Widgets
	grid           *ui.Grid
	latencySparkle *widgets.SparklineGroup
	latencyPara    *widgets.Paragraph
	rpsGauge       *widgets.Gauge
	failureList    *widgets.List
	sessionList    *widgets.List
	summaryPara    *widgets.Paragraph
	metricsPara    *widgets.Paragraph
	latencyHistory []float64
	startTime      time.Time
	runConfig      RunConfig
}

// New creates a new Dashboard.
func New(stats StatsFunc, cfg RunConfig, shutdownFunc func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dashboard{
		stats:          stats,
		ctx:            ctx,
		cancel:         cancel,
		shutdownFunc:   shutdownFunc,
		latencyHistory: make([]float64, 0, 100),
		startTime:      time.Now(),
		runConfig:      cfg,
	}

	d.initWidgets()
	d.setupGrid()

	return d, nil
}

// initWidgets initializes all dashboard widgets.
func (d *Dashboard) initWidgets() {
	sparkline := widgets.NewSparkline()
	sparkline.Title = "P99 (ms)"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}

	d.latencySparkle = widgets.NewSparklineGroup(sparkline)
	d.latencySparkle.Title = "Probe Latency"
	d.latencySparkle.BorderStyle.Fg = ui.ColorCyan

	d.latencyPara = widgets.NewParagraph()
	d.latencyPara.Title = "Latency Stats"
	d.latencyPara.Text = "Min: 0ms\nMean: 0ms\nP50: 0ms\nP95: 0ms\nP99: 0ms"
	d.latencyPara.BorderStyle.Fg = ui.ColorCyan

	d.rpsGauge = widgets.NewGauge()
	d.rpsGauge.Title = "Probes Per Second"
	d.rpsGauge.Percent = 0
	d.rpsGauge.BarColor = ui.ColorBlue
	d.rpsGauge.BorderStyle.Fg = ui.ColorCyan
	d.rpsGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.failureList = widgets.NewList()
	d.failureList.Title = "Connection Failures"
	d.failureList.Rows = []string{"No failures"}
	d.failureList.TextStyle = ui.NewStyle(ui.ColorYellow)
	d.failureList.BorderStyle.Fg = ui.ColorCyan

	d.sessionList = widgets.NewList()
	d.sessionList.Title = "Sessions"
	d.sessionList.Rows = []string{"Awaiting data"}
	d.sessionList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.sessionList.BorderStyle.Fg = ui.ColorCyan

	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Run Summary"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.metricsPara = widgets.NewParagraph()
	d.metricsPara.Title = "Probes"
	d.metricsPara.Text = "Waiting for data..."
	d.metricsPara.BorderStyle.Fg = ui.ColorCyan
}

// setupGrid configures the layout grid.
func (d *Dashboard) setupGrid() {
	termWidth, termHeight := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, termWidth, termHeight)

	d.grid.Set(
		ui.NewRow(0.14,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.22,
			ui.NewCol(0.5, d.rpsGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.30,
			ui.NewCol(0.65, d.latencySparkle),
			ui.NewCol(0.35, d.latencyPara),
		),
		ui.NewRow(0.34,
			ui.NewCol(0.6, d.sessionList),
			ui.NewCol(0.4, d.failureList),
		),
	)
}

// Start begins the dashboard update loop.
func (d *Dashboard) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the dashboard and restores the terminal.
func (d *Dashboard) Stop() {
	d.cancel()
	d.wg.Wait()
	ui.Close()
	// Give terminal time to restore
	time.Sleep(100 * time.Millisecond)
}

func (d *Dashboard) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.render()

	for {
		select {
		case <-d.ctx.Done():
			for len(uiEvents) > 0 {
				<-uiEvents
			}
			return
		case e := <-uiEvents:
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			switch e.ID {
			case "q", "<C-c>":
				if d.shutdownFunc != nil {
					d.shutdownFunc()
				}
				// Stop cancels the context once the run has reported.
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update(d.stats())
			d.render()
		}
	}
}

// update refreshes all widget data from stats.
func (d *Dashboard) update(stats metrics.RunStats) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if stats.TotalResponses > 0 {
		d.latencyHistory = append(d.latencyHistory, stats.P99LatencyMs)
		if len(d.latencyHistory) > 100 {
			d.latencyHistory = d.latencyHistory[1:]
		}
		d.latencySparkle.Sparklines[0].Data = d.latencyHistory
		d.latencySparkle.Title = fmt.Sprintf(
			"Probe Latency | P99: %.2fms | Min: %.2fms | Max: %.2fms",
			stats.P99LatencyMs,
			stats.MinLatencyMs,
			stats.MaxLatencyMs,
		)
	}

	d.rpsGauge.Percent = rpsPercent(stats.RequestsPerSec, d.runConfig.Rate)
	d.rpsGauge.Label = fmt.Sprintf("%.1f / %.0f probes/s", stats.RequestsPerSec, d.runConfig.Rate)

	d.summaryPara.Text = fmt.Sprintf(
		"%s\n%s\nElapsed: %s | Sessions: %d/%d active | Response Rate: %.1f%%",
		d.formatEndpoint(),
		d.formatRunParams(),
		time.Since(d.startTime).Round(time.Second),
		stats.Connections.Active,
		stats.Connections.Total,
		stats.ResponseRate*100,
	)

	d.metricsPara.Text = fmt.Sprintf(
		"Sent:          %d\nAnswered:      %d\nTimed Out:     %d (%.2f%%)\nPending:       %d\nSend Failures: %d\nReplies/sec:   %.2f",
		stats.TotalRequests,
		stats.TotalResponses,
		stats.Timeouts,
		stats.TimeoutRate*100,
		stats.Pending,
		stats.SendFailures,
		stats.ResponsesPerSec,
	)

	d.latencyPara.Text = fmt.Sprintf(
		"Min:  %.2fms\nMean: %.2fms\nP50:  %.2fms\nP95:  %.2fms\nP99:  %.2fms",
		stats.MinLatencyMs,
		stats.AvgLatencyMs,
		stats.P50LatencyMs,
		stats.P95LatencyMs,
		stats.P99LatencyMs,
	)

	d.failureList.Rows = formatFailureRows(stats.Connections.FailureReasons)
	d.updateSessionList(stats)
}

func (d *Dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	ui.Render(d.grid)
}

// rpsPercent is the achieved share of the target rate, capped at 100.
func rpsPercent(current, target float64) int {
	if target <= 0 {
		return 0
	}
	pct := int(current / target * 100)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

func (d *Dashboard) updateSessionList(stats metrics.RunStats) {
	if len(stats.Sessions) == 0 {
		d.sessionList.Rows = []string{"[No session data](fg:green)"}
		return
	}
	rows := make([]metrics.SessionStats, len(stats.Sessions))
	copy(rows, stats.Sessions)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Sent == rows[j].Sent {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].Sent > rows[j].Sent
	})
	formatted := make([]string, 0, len(rows))
	for _, s := range rows {
		color := "cyan"
		if s.State != "connected" {
			color = "red"
		}
		formatted = append(formatted, fmt.Sprintf("[%s](fg:%s) %-12s | Sent %6d | Resp %5.1f%% | P99 %6.2fms | SendErr %d",
			s.ID,
			color,
			s.State,
			s.Sent,
			s.ResponseRate*100,
			s.P99LatencyMs,
			s.SendFailures,
		))
	}
	d.sessionList.Rows = formatted
}

func formatFailureRows(reasons map[string]int) []string {
	rows := metrics.FlattenFailureReasons(reasons)
	if len(rows) == 0 {
		return []string{"[No failures](fg:green)"}
	}
	maxRows := len(rows)
	if maxRows > 10 {
		maxRows = 10
	}
	formatted := make([]string, 0, maxRows)
	for i := 0; i < maxRows; i++ {
		formatted = append(formatted, fmt.Sprintf("[%s](fg:red) %d", rows[i].Reason, rows[i].Count))
	}
	return formatted
}

func (d *Dashboard) formatEndpoint() string {
	c := d.runConfig
	s := fmt.Sprintf("%s -> %s", c.BaseID, c.PeerID)
	if c.Target != "" {
		s += " @ " + c.Target
	}
	return s
}

// formatRunParams formats the run parameters for display.
func (d *Dashboard) formatRunParams() string {
	var parts []string
	c := d.runConfig

	// Transport (only show if non-default)
	if c.Transport != "" && c.Transport != "loopback" {
		parts = append(parts, fmt.Sprintf("Transport: %s", c.Transport))
	}

	if c.Sessions > 0 {
		parts = append(parts, fmt.Sprintf("Sessions: %d", c.Sessions))
	}

	parts = append(parts, fmt.Sprintf("Rate: %g/s", c.Rate))

	if c.Duration > 0 {
		parts = append(parts, fmt.Sprintf("Duration: %s", c.Duration))
	} else {
		parts = append(parts, "Duration: until stopped")
	}

	if c.Warmup > 0 {
		parts = append(parts, fmt.Sprintf("Warmup: %s", c.Warmup))
	}

	if c.ProbeTimeout > 0 {
		parts = append(parts, fmt.Sprintf("Timeout: %s", c.ProbeTimeout))
	}

	if c.ConfigFile != "" {
		parts = append(parts, fmt.Sprintf("Config: %s", c.ConfigFile))
	}

	return strings.Join(parts, " | ")
}
