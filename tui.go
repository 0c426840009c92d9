package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"casey/clipboard"
	"casey/session"
)

type (
	snapshotMsg session.Snapshot
	entryMsg    session.Entry
	noticeMsg   string
	levelMsg    float64
	tickMsg     time.Time
)

const (
	noticeTTL     = 4 * time.Second
	maxEntries    = 200
	orbWidth      = 24
	orbHeight     = 10
	orbPanelWidth = orbWidth + 2
)

// tuiObserver queues session callbacks for the program. Level updates are
// dropped when the queue is full; everything else waits.
type tuiObserver struct {
	msgs chan tea.Msg
}

func newTUIObserver() *tuiObserver {
	return &tuiObserver{msgs: make(chan tea.Msg, 256)}
}

func (o *tuiObserver) StateChanged(s session.Snapshot) { o.msgs <- snapshotMsg(s) }
func (o *tuiObserver) Transcript(e session.Entry)      { o.msgs <- entryMsg(e) }
func (o *tuiObserver) Notice(n string)                 { o.msgs <- noticeMsg(n) }

func (o *tuiObserver) Level(l float64) {
	select {
	case o.msgs <- levelMsg(l):
	default:
	}
}

// pump forwards queued messages until ctx is done. Send returns at once
// after the program exits, so the queue keeps draining.
func (o *tuiObserver) pump(ctx context.Context, p *tea.Program) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.msgs:
			p.Send(msg)
		}
	}
}

var stateColors = map[session.State]lipgloss.Color{
	session.Paused:        "245",
	session.UserTalking:   "196",
	session.AgentThinking: "214",
	session.AgentSpeaking: "39",
	session.Errored:       "160",
}

var stateLabels = map[session.State]string{
	session.Paused:        "○ READY",
	session.UserTalking:   "● LISTENING",
	session.AgentThinking: "◌ THINKING",
	session.AgentSpeaking: "◉ SPEAKING",
	session.Errored:       "✕ ERROR",
}

// Orb shades, brightest first.
var orbPalettes = map[session.State][]string{
	session.Paused:        {"255", "250", "245", "240", "237"},
	session.UserTalking:   {"226", "214", "202", "160", "88"},
	session.AgentThinking: {"230", "222", "214", "172", "130"},
	session.AgentSpeaking: {"195", "123", "81", "39", "25"},
	session.Errored:       {"224", "210", "196", "124", "52"},
}

type orbStyle struct {
	fg []lipgloss.Style   // indexed by shade
	bg [][]lipgloss.Style // [top][bottom]
}

var orbStyles = map[session.State]orbStyle{}

func init() {
	for state, palette := range orbPalettes {
		st := orbStyle{fg: make([]lipgloss.Style, len(palette)), bg: make([][]lipgloss.Style, len(palette))}
		for i, c := range palette {
			st.fg[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
			st.bg[i] = make([]lipgloss.Style, len(palette))
			for j, b := range palette {
				st.bg[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Background(lipgloss.Color(b))
			}
		}
		orbStyles[state] = st
	}
}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	caseyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	speakerStyle = lipgloss.NewStyle().Bold(true)
)

type tuiModel struct {
	ctl    driver
	copy   func(string) error
	device string

	snap     session.Snapshot
	entries  []session.Entry
	notice   string
	noticeAt time.Time
	level    float64
	input    []rune

	frame         int
	width, height int
}

func newTUIModel(ctl driver, copyFn func(string) error, device string, initial session.Snapshot) tuiModel {
	return tuiModel{ctl: ctl, copy: copyFn, device: device, snap: initial}
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m tuiModel) Init() tea.Cmd { return tuiTick() }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.frame++
		if m.notice != "" && time.Time(msg).Sub(m.noticeAt) > noticeTTL {
			m.notice = ""
		}
		return m, tuiTick()

	case snapshotMsg:
		m.snap = session.Snapshot(msg)
		if m.snap.State != session.UserTalking {
			m.level = 0
		}
		if m.snap.State == session.Errored {
			m.setNotice(m.snap.Reason.Message())
		}

	case entryMsg:
		m.entries = append(m.entries, session.Entry(msg))
		if len(m.entries) > maxEntries {
			m.entries = m.entries[len(m.entries)-maxEntries:]
		}

	case noticeMsg:
		m.setNotice(string(msg))

	case levelMsg:
		if m.snap.State == session.UserTalking {
			m.level = m.level*0.6 + float64(msg)*0.4
		}
	}
	return m, nil
}

func (m *tuiModel) setNotice(n string) {
	m.notice = n
	m.noticeAt = time.Now()
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		next := session.Text
		if m.snap.Modality == session.Text {
			next = session.Voice
		}
		m.ctl.SetModality(next)
		return m, nil
	case "esc":
		m.ctl.CancelPlayback()
		return m, nil
	case "ctrl+y":
		return m, m.copyReply()
	}

	if m.snap.Modality == session.Voice {
		if msg.Type == tea.KeySpace || msg.Type == tea.KeyEnter {
			if m.snap.State == session.UserTalking {
				m.ctl.StopTalk()
			} else {
				m.ctl.PressTalk()
			}
		}
		return m, nil
	}

	switch msg.Type {
	case tea.KeyRunes:
		m.input = append(m.input, msg.Runes...)
	case tea.KeySpace:
		m.input = append(m.input, ' ')
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case tea.KeyEnter:
		text := string(m.input)
		if err := m.ctl.Submit(text); err == nil {
			m.input = nil
		} else if !errors.Is(err, session.ErrEmptyText) {
			m.setNotice(err.Error())
		}
	}
	return m, nil
}

func (m tuiModel) copyReply() tea.Cmd {
	text, copyFn := m.snap.LastReply, m.copy
	return func() tea.Msg {
		err := copyFn(text)
		switch {
		case errors.Is(err, clipboard.ErrNothingToCopy):
			return noticeMsg("Nothing to copy yet.")
		case err != nil:
			return noticeMsg("Copy failed: " + err.Error())
		}
		return noticeMsg("Copied Casey's last reply.")
	}
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var left []string
	left = append(left, strings.Split(renderOrb(m.frame, m.level, m.snap.State), "\n")...)
	label := lipgloss.NewStyle().Foreground(stateColors[m.snap.State]).Bold(true).Render(stateLabels[m.snap.State])
	left = append(left, label)
	left = append(left, dimStyle.Render(fmt.Sprintf("[%s | %s]", m.snap.Modality, m.snap.Connection)))
	if m.device != "" {
		left = append(left, dimStyle.Render("mic: "+m.device))
	}
	leftPanel := lipgloss.NewStyle().Width(orbPanelWidth).Height(m.height).Render(strings.Join(left, "\n"))

	rightWidth := max(m.width-orbPanelWidth-1, 20)
	footer := m.footer(rightWidth)
	bodyHeight := max(m.height-len(footer), 1)
	body := m.transcript(rightWidth-2, bodyHeight)

	right := lipgloss.NewStyle().Width(rightWidth).PaddingLeft(1).
		Render(strings.Join(append(body, footer...), "\n"))
	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, right)
}

// transcript renders the tail of the conversation that fits in height lines.
func (m tuiModel) transcript(width, height int) []string {
	if len(m.entries) == 0 {
		lines := []string{dimStyle.Render("Say hello to Casey.")}
		for len(lines) < height {
			lines = append(lines, "")
		}
		return lines
	}
	var lines []string
	for _, e := range m.entries {
		style := userStyle
		if e.Speaker == session.SpeakerCasey {
			style = caseyStyle
		}
		lines = append(lines, speakerStyle.Inherit(style).Render(e.Speaker))
		for _, l := range wrapText(e.Text, width) {
			lines = append(lines, style.Render(l))
		}
		lines = append(lines, "")
	}
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return lines
}

func (m tuiModel) footer(width int) []string {
	var lines []string
	if m.notice != "" {
		lines = append(lines, noticeStyle.Render(truncate(m.notice, width)))
	} else {
		lines = append(lines, "")
	}
	if m.snap.Modality == session.Text {
		in := string(m.input)
		if tail := width - 4; tail > 0 && len(m.input) > tail {
			in = string(m.input[len(m.input)-tail:])
		}
		lines = append(lines, "> "+in+"█")
		lines = append(lines, keyStyle.Render("enter")+helpStyle.Render(" send  ")+
			keyStyle.Render("tab")+helpStyle.Render(" voice  ")+
			keyStyle.Render("ctrl+y")+helpStyle.Render(" copy reply  ")+
			keyStyle.Render("ctrl+c")+helpStyle.Render(" quit"))
		return lines
	}
	lines = append(lines, keyStyle.Render("space")+helpStyle.Render(" talk/stop  ")+
		keyStyle.Render("esc")+helpStyle.Render(" stop Casey  ")+
		keyStyle.Render("tab")+helpStyle.Render(" text  ")+
		keyStyle.Render("ctrl+y")+helpStyle.Render(" copy reply  ")+
		keyStyle.Render("ctrl+c")+helpStyle.Render(" quit"))
	return lines
}

// renderOrb draws concentric rings with half-block characters. The rings
// swell with the microphone level while listening and pulse on their own
// while Casey thinks or speaks.
func renderOrb(frame int, level float64, state session.State) string {
	const pixH = orbHeight * 2
	cx, cy := float64(orbWidth)/2, float64(pixH)/2

	var pulse float64
	switch state {
	case session.UserTalking:
		pulse = level*8 + math.Sin(float64(frame)*0.10)*0.2
	case session.AgentThinking:
		pulse = math.Sin(float64(frame)*0.20) * 0.6
	case session.AgentSpeaking:
		pulse = math.Sin(float64(frame)*0.15) * 0.9
	default:
		pulse = math.Sin(float64(frame)*0.06) * 0.3
	}

	radii := []float64{1.5, 3, 4.5, 6, 7.5}
	pixels := make([][]int, pixH)
	for y := range pixels {
		pixels[y] = make([]int, orbWidth)
		for x := range pixels[y] {
			dx, dy := float64(x)-cx+0.5, float64(y)-cy+0.5
			dist := math.Sqrt(dx*dx + dy*dy)
			for i, r := range radii {
				r = min(r+pulse*float64(i+1)*0.3, 9.5)
				if dist < r {
					pixels[y][x] = i + 1
					break
				}
			}
		}
	}

	st := orbStyles[state]
	var b strings.Builder
	for row := 0; row < orbHeight; row++ {
		for x := 0; x < orbWidth; x++ {
			top, bot := pixels[row*2][x], pixels[row*2+1][x]
			switch {
			case top == 0 && bot == 0:
				b.WriteString(" ")
			case top == bot:
				b.WriteString(st.fg[top-1].Render("█"))
			case bot == 0:
				b.WriteString(st.fg[top-1].Render("▀"))
			case top == 0:
				b.WriteString(st.fg[bot-1].Render("▄"))
			default:
				b.WriteString(st.bg[top-1][bot-1].Render("▀"))
			}
		}
		if row < orbHeight-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func wrapText(text string, width int) []string {
	width = max(width, 1)
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	var cur []rune
	for _, w := range words {
		word := []rune(w)
		for len(word) > width {
			if len(cur) > 0 {
				lines = append(lines, string(cur))
				cur = nil
			}
			lines = append(lines, string(word[:width]))
			word = word[width:]
		}
		switch {
		case len(cur) == 0:
			cur = word
		case len(cur)+1+len(word) <= width:
			cur = append(append(cur, ' '), word...)
		default:
			lines = append(lines, string(cur))
			cur = word
		}
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	return lines
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width || width < 2 {
		return s
	}
	return string(r[:width-1]) + "…"
}

// runTUI runs the terminal projector until the user quits or ctx is done.
func runTUI(ctx context.Context, ctl driver, obs *tuiObserver, device string, initial session.Snapshot) error {
	model := newTUIModel(ctl, clipboard.Copy, device, initial)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	go obs.pump(ctx, p)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
