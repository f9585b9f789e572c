package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"machina/internal/anomaly"
	"machina/internal/domain"
	"machina/internal/service"
	"machina/internal/summarizer"
	"machina/internal/textutil"
)

// SearchPort is the TUI-facing subset of the retrieval engine.
type SearchPort interface {
	Retrieve(ctx context.Context, query string, k int, minScore float64) []domain.Passage
	Digest(passages []domain.Passage, query string) string
	Stats() service.Stats
}

// AnalyzePort runs anomaly analysis for a machine.
type AnalyzePort interface {
	Analyze(ctx context.Context, req anomaly.Request) anomaly.Result
}

type mode int

const (
	modeSearch mode = iota
	modeAnalyze
)

const (
	topK        = 10
	callTimeout = 30 * time.Second
)

type searchDoneMsg struct {
	query    string
	passages []domain.Passage
	digest   string
}

type analyzeDoneMsg struct {
	req    anomaly.Request
	result anomaly.Result
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	search        SearchPort
	analyzer      AnalyzePort
	windowMinutes int

	mode      mode
	input     textinput.Model
	viewport  viewport.Model
	results   []domain.Passage
	digest    string
	analysis  *anomaly.Result
	status    string
	cursor    int
	ready     bool
	busy      bool
	lastQuery string
}

// New creates a new TUI model instance. analyzer may be nil, which disables
// the analyze mode.
func New(search SearchPort, analyzer AnalyzePort, windowMinutes int) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	m := Model{search: search, analyzer: analyzer, windowMinutes: windowMinutes, input: ti, viewport: vp}
	m.setMode(modeSearch)
	return m
}

func (m *Model) setMode(md mode) {
	m.mode = md
	m.input.SetValue("")
	switch md {
	case modeSearch:
		m.input.Placeholder = "Type query and press Enter"
		m.status = "Search mode. Tab switches to analysis."
	case modeAnalyze:
		m.input.Placeholder = "Machine id [sensor type], e.g. 1 temperature"
		m.status = "Analyze mode. Tab switches to search."
	}
	m.viewport.SetContent(m.renderBody())
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key and window events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		totalHeaderLines := 2                                    // header + digest
		totalFooterLines := 1                                    // status
		reserved := totalHeaderLines + totalFooterLines + qh + 1 // 1 spacer
		vh := msg.Height - reserved
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.viewport.SetContent(m.renderBody())
		return m, nil
	case searchDoneMsg:
		m.busy = false
		m.results = msg.passages
		m.digest = msg.digest
		m.cursor = 0
		m.lastQuery = msg.query
		if len(msg.passages) == 0 {
			m.status = fmt.Sprintf("No passages for %q", msg.query)
		} else {
			m.status = fmt.Sprintf("Results for %q", msg.query)
		}
		m.viewport.SetContent(m.renderBody())
		return m, nil
	case analyzeDoneMsg:
		m.busy = false
		m.analysis = &msg.result
		m.status = fmt.Sprintf("Machine %d: %d anomalies", msg.req.MachineID, msg.result.AnomaliesDetected)
		m.viewport.SetContent(m.renderBody())
		return m, nil
	case tea.KeyMsg:
		// Global quits
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "tab":
			if m.analyzer == nil {
				m.status = "Analysis unavailable: no telemetry database."
				return m, nil
			}
			if m.mode == modeSearch {
				m.setMode(modeAnalyze)
			} else {
				m.setMode(modeSearch)
			}
			return m, nil
		case "enter":
			if m.busy {
				return m, nil
			}
			if m.mode == modeSearch {
				return m.submitSearch()
			}
			return m.submitAnalyze()
		case "down":
			if m.mode == modeSearch && len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.renderBody())
				return m, nil
			}
		case "up":
			if m.mode == modeSearch && len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.renderBody())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submitSearch() (tea.Model, tea.Cmd) {
	q := strings.TrimSpace(m.input.Value())
	if q == "" {
		return m, nil
	}
	m.busy = true
	m.status = fmt.Sprintf("Searching %q...", q)
	search := m.search
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		passages := search.Retrieve(ctx, q, topK, 0)
		return searchDoneMsg{query: q, passages: passages, digest: search.Digest(passages, q)}
	}
}

func (m Model) submitAnalyze() (tea.Model, tea.Cmd) {
	fields := strings.Fields(m.input.Value())
	if len(fields) == 0 {
		return m, nil
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id <= 0 {
		m.status = fmt.Sprintf("Invalid machine id %q", fields[0])
		return m, nil
	}
	req := anomaly.Request{MachineID: id, WindowMinutes: m.windowMinutes}
	if len(fields) > 1 {
		req.SensorType = fields[1]
	}
	m.busy = true
	m.status = fmt.Sprintf("Analyzing machine %d...", id)
	analyzer := m.analyzer
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		return analyzeDoneMsg{req: req, result: analyzer.Analyze(ctx, req)}
	}
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	st := m.search.Stats()
	title := "machina · search"
	if m.mode == modeAnalyze {
		title = "machina · analyze"
	}
	header := lipgloss.NewStyle().Bold(true).Render(title) +
		dimStyle.Render(fmt.Sprintf("  %d chunks from %d documents · %s", st.TotalVectors, st.TotalDocuments, st.EmbeddingModel))
	digest := dimStyle.Render(m.digest)
	input := queryBoxStyle.Render(m.input.View())
	status := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + digest + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderBody() string {
	if m.mode == modeAnalyze {
		return renderAnalysis(m.analysis)
	}
	if len(m.results) == 0 {
		return "No results yet."
	}
	r := m.results[m.cursor]
	title := fmt.Sprintf("Result %d/%d  score=%.3f  %s", m.cursor+1, len(m.results), r.Score, r.Source)
	body := highlightBestSentence(r.Text, m.lastQuery)
	return title + "\n\n" + body
}

func renderAnalysis(res *anomaly.Result) string {
	if res == nil {
		return "No analysis yet."
	}
	var b strings.Builder
	b.WriteString(res.Summary)
	if len(res.Details) > 0 {
		b.WriteString("\n")
	}
	for _, d := range res.Details {
		line := fmt.Sprintf("\n%-8s %s  %-18s %10.2f  %s", d.Severity, d.Timestamp.Format("2006-01-02 15:04:05"), d.Sensor, d.Value, d.Method)
		if d.Deviation != nil {
			line += fmt.Sprintf(" (z=%.2f)", *d.Deviation)
		}
		b.WriteString(severityStyle(d.Severity).Render(line))
	}
	return b.String()
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func severityStyle(s anomaly.Severity) lipgloss.Style {
	switch s {
	case anomaly.SeverityCritical:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	case anomaly.SeverityHigh:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	case anomaly.SeverityMedium:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	default:
		return lipgloss.NewStyle()
	}
}

func highlightBestSentence(text, query string) string {
	sentences := textutil.Sentences(text)
	if len(sentences) == 0 {
		return text
	}
	if len(textutil.TermSet(query)) == 0 {
		return strings.Join(sentences, " ")
	}
	best := summarizer.BestSentence(text, query)
	for i, s := range sentences {
		if s == best {
			sentences[i] = highlightStyle.Render(s)
			break
		}
	}
	return strings.Join(sentences, " ")
}
