// Package main – watch subcommand: live cluster status rendered with bubbletea + lipgloss.
package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	studentgrpc "github.com/i-melnichenko/studentkv/internal/transport/grpc/student"
)

const watchRefreshInterval = 500 * time.Millisecond

type statusRow struct {
	nodeID        uint64
	addr          string
	role          string
	degraded      bool
	leaderID      uint64
	term          uint64
	commit        uint64
	applied       uint64
	lastLog       uint64
	snapshot      uint64
	records       int
	quorum        int
	members       int
	lastAppliedAt time.Time
	peers         string
	err           string
}

type tickMsg time.Time

type rowsMsg struct {
	rows []statusRow
	ts   time.Time
}

type uiStyles struct {
	dotHealthy  lipgloss.Style
	dotDegraded lipgloss.Style
	dotDown     lipgloss.Style
	dotSelected lipgloss.Style
	addr        lipgloss.Style
	roleLeader  lipgloss.Style
	roleCand    lipgloss.Style
	roleFollow  lipgloss.Style
	leaderNone  lipgloss.Style
	term        lipgloss.Style
	metric      lipgloss.Style
	cfg         lipgloss.Style
	header      lipgloss.Style
	title       lipgloss.Style
	dim         lipgloss.Style
	alert       lipgloss.Style
	errKind     lipgloss.Style
}

var styles = uiStyles{
	dotHealthy:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
	dotDegraded: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
	dotDown:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
	dotSelected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
	addr:        lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("6")),
	roleLeader:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
	roleCand:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
	roleFollow:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	leaderNone:  lipgloss.NewStyle().Faint(true),
	term:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
	metric:      lipgloss.NewStyle().Faint(true),
	cfg:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5")),
	header:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8")),
	title:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
	dim:         lipgloss.NewStyle().Faint(true),
	alert:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
	errKind:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
}

// Column layout. Every cell is padded before styling so widths stay exact.
const (
	colAddr   = 18
	colRole   = 9
	colNumber = 6
)

func rowsFromStatus(book map[uint64]string, statuses map[uint64]*studentgrpc.NodeStatus, errs map[uint64]error) []statusRow {
	rows := make([]statusRow, 0, len(book))
	for id, addr := range book {
		row := statusRow{nodeID: id, addr: addr}
		if err, ok := errs[id]; ok {
			row.err = oneLineErr(err)
			rows = append(rows, row)
			continue
		}
		st := statuses[id]
		if st == nil {
			row.err = "no status"
			rows = append(rows, row)
			continue
		}
		row.role = st.Role
		row.degraded = st.Degraded
		row.leaderID = st.LeaderID
		row.term = st.Term
		row.commit = st.CommitIndex
		row.applied = st.LastApplied
		row.lastLog = st.LastLogIndex
		row.snapshot = st.SnapshotIndex
		row.records = st.Records
		row.quorum = st.QuorumSize
		row.members = len(st.Members)
		row.lastAppliedAt = st.LastAppliedAt
		row.peers = formatPeers(st.Peers)
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b statusRow) int {
		switch {
		case a.nodeID < b.nodeID:
			return -1
		case a.nodeID > b.nodeID:
			return 1
		}
		return 0
	})
	return rows
}

func formatPeers(peers []studentgrpc.PeerStatus) string {
	if len(peers) == 0 {
		return ""
	}
	items := make([]string, 0, len(peers))
	for _, p := range peers {
		items = append(items, fmt.Sprintf("%d match=%d lag=%d", p.NodeID, p.MatchIndex, p.Lag))
	}
	return strings.Join(items, ", ")
}

func renderDot(r statusRow, selected bool) string {
	switch {
	case selected:
		return styles.dotSelected.Render("▶")
	case r.err != "":
		return styles.dotDown.Render("●")
	case r.degraded:
		return styles.dotDegraded.Render("●")
	default:
		return styles.dotHealthy.Render("●")
	}
}

func renderRole(role string) string {
	padded := fmt.Sprintf("%-*s", colRole, role)
	switch role {
	case "leader":
		return styles.roleLeader.Render(padded)
	case "candidate":
		return styles.roleCand.Render(padded)
	case "follower":
		return styles.roleFollow.Render(padded)
	default:
		return padded
	}
}

func renderLeader(id uint64) string {
	if id == 0 {
		return styles.leaderNone.Render(fmt.Sprintf("%-*s", colNumber, "-"))
	}
	return fmt.Sprintf("%-*d", colNumber, id)
}

func renderNumber(v uint64) string {
	return styles.metric.Render(fmt.Sprintf("%*d", colNumber, v))
}

func renderHeader(width int) string {
	line := fmt.Sprintf("%-2s %-4s %-*s %-*s %-*s %*s %*s %*s %*s %*s %*s %-5s %-8s",
		"ST", "NODE",
		colAddr, "ADDR",
		colRole, "ROLE",
		colNumber, "LEADER",
		colNumber, "TERM",
		colNumber, "CMT",
		colNumber, "APL",
		colNumber, "LOG",
		colNumber, "SNAP",
		colNumber, "RECS",
		"CFG", "A_AT",
	)
	return styles.header.Width(width).MaxWidth(width).Render(line)
}

func renderRow(r statusRow, selected bool) string {
	prefix := renderDot(r, selected) + "  " +
		fmt.Sprintf("%-4d", r.nodeID) + " " +
		styles.addr.Render(fmt.Sprintf("%-*s", colAddr, shorten(r.addr, colAddr)))
	if r.err != "" {
		return prefix + " " + styles.errKind.Render(errorKind(r.err))
	}

	cfg := fmt.Sprintf("%-5s", fmt.Sprintf("%d/%d", r.quorum, r.members))
	appliedAt := "-"
	if !r.lastAppliedAt.IsZero() {
		appliedAt = r.lastAppliedAt.Local().Format("15:04:05")
	}
	return prefix + " " +
		renderRole(r.role) + " " +
		renderLeader(r.leaderID) + " " +
		styles.term.Render(fmt.Sprintf("%*d", colNumber, r.term)) + " " +
		renderNumber(r.commit) + " " +
		renderNumber(r.applied) + " " +
		renderNumber(r.lastLog) + " " +
		renderNumber(r.snapshot) + " " +
		renderNumber(uint64(r.records)) + " " +
		styles.cfg.Render(cfg) + " " +
		styles.dim.Render(appliedAt)
}

func renderSummary(rows []statusRow) string {
	var healthy, down, leaders int
	for _, r := range rows {
		switch {
		case r.err != "":
			down++
		case !r.degraded:
			healthy++
		}
		if r.err == "" && r.role == "leader" {
			leaders++
		}
	}
	bracket := func(st lipgloss.Style, label string, n int) string {
		return styles.dim.Render("[") + st.Render(fmt.Sprintf("%d", n)) + styles.dim.Render(" "+label+"]")
	}
	return strings.Join([]string{
		bracket(lipgloss.NewStyle(), "total", len(rows)),
		bracket(styles.dotHealthy, "healthy", healthy),
		bracket(styles.dotDown, "down", down),
		bracket(styles.roleLeader, "leader", leaders),
	}, " ")
}

// alertLines reports a missing leader while a quorum of nodes answers, plus
// one line per unreachable node.
func alertLines(rows []statusRow) []string {
	var lines []string
	if missing, healthy, quorum := leaderMissing(rows); missing {
		lines = append(lines, fmt.Sprintf("%s healthy=%d quorum=%d (election in progress or stalled)",
			styles.alert.Render("LEADER_MISSING"), healthy, quorum))
	}
	for _, r := range rows {
		if r.err == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s node %d %s %s",
			styles.dotDown.Render("●"), r.nodeID, styles.errKind.Render(errorKind(r.err)), shorten(r.err, 80)))
	}
	return lines
}

func leaderMissing(rows []statusRow) (bool, int, int) {
	var healthy, quorum int
	hasLeader := false
	for _, r := range rows {
		if r.err != "" || r.degraded {
			continue
		}
		healthy++
		quorum = max(quorum, r.quorum)
		if r.role == "leader" || r.leaderID != 0 {
			hasLeader = true
		}
	}
	if quorum == 0 || healthy < quorum {
		return false, healthy, quorum
	}
	return !hasLeader, healthy, quorum
}

func errorKind(err string) string {
	switch {
	case strings.Contains(err, "code = Unavailable"), strings.Contains(err, "unavailable"):
		return "Unavailable"
	case strings.Contains(err, "code = DeadlineExceeded"), strings.Contains(err, "deadline exceeded"):
		return "Timeout"
	default:
		return "Error"
	}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// renderTable is shared by the one-shot status command and the live view.
func renderTable(rows []statusRow, cursor, width int) string {
	var b strings.Builder
	b.WriteString(renderSummary(rows))
	b.WriteString("\n\n")
	b.WriteString(renderHeader(width))
	b.WriteString("\n")
	for i, r := range rows {
		b.WriteString(renderRow(r, i == cursor))
		b.WriteString("\n")
	}
	if lines := alertLines(rows); len(lines) > 0 {
		b.WriteString(styles.dim.Render(strings.Repeat("-", width)))
		b.WriteString("\n")
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

type watchModel struct {
	client  *studentgrpc.ClusterClient
	book    map[uint64]string
	timeout time.Duration

	rows   []statusRow
	ts     time.Time
	width  int
	height int
	cursor int
}

func newWatchModel(client *studentgrpc.ClusterClient, book map[uint64]string, timeout time.Duration) watchModel {
	return watchModel{client: client, book: book, timeout: timeout, width: 110, height: 30}
}

func (m watchModel) Init() tea.Cmd {
	// The next tick is scheduled when the poll returns, so only one poll is
	// ever in flight.
	return m.pollCmd()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tickMsg:
		return m, m.pollCmd()
	case rowsMsg:
		m.rows = msg.rows
		m.ts = msg.ts
		m.cursor = min(m.cursor, max(0, len(m.rows)-1))
		return m, tea.Tick(watchRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			m.cursor = max(0, m.cursor-1)
		case "down", "j":
			m.cursor = min(max(0, len(m.rows)-1), m.cursor+1)
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	width := max(80, m.width-2)

	var b strings.Builder
	b.WriteString("  ")
	b.WriteString(styles.title.Render("studentkv cluster"))
	b.WriteString("  ")
	b.WriteString(styles.dim.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n")
	b.WriteString(renderTable(m.rows, m.cursor, width))

	peers := "-"
	if m.cursor < len(m.rows) && m.rows[m.cursor].peers != "" {
		peers = m.rows[m.cursor].peers
	}
	b.WriteString("\n  ")
	b.WriteString(styles.roleFollow.Render("peers:"))
	b.WriteString(" ")
	b.WriteString(styles.dim.Render(shorten(peers, width-10)))
	b.WriteString("\n\n  ")
	b.WriteString(styles.dim.Render("↑/↓ select, q to exit"))

	// Pad to the terminal height so a shorter frame overwrites stale lines.
	lines := strings.Split(b.String(), "\n")
	for len(lines) < m.height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (m watchModel) pollCmd() tea.Cmd {
	return func() tea.Msg {
		rows := pollRows(context.Background(), m.client, m.book, m.timeout)
		return rowsMsg{rows: rows, ts: time.Now()}
	}
}

func pollRows(ctx context.Context, client *studentgrpc.ClusterClient, book map[uint64]string, timeout time.Duration) []statusRow {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	statuses, errs := client.Status(ctx)
	return rowsFromStatus(book, statuses, errs)
}

func cmdWatch(client *studentgrpc.ClusterClient, book map[uint64]string, timeout time.Duration) error {
	p := tea.NewProgram(newWatchModel(client, book, timeout), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
