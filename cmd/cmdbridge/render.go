package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/ship-commander/cmdbridge/internal/bridge"
	"github.com/ship-commander/cmdbridge/internal/gateway"
	"github.com/ship-commander/cmdbridge/internal/probe"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(20)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func renderOperationsTable(w io.Writer, operations []gateway.OperationInfo) error {
	rows := make([][]string, 0, len(operations))
	for _, operation := range operations {
		rows = append(rows, []string{
			operation.Name,
			operation.Class,
			operation.Route,
			formatParams(operation.Params),
		})
	}
	rendered := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("OPERATION", "CLASS", "ROUTE", "ARGUMENTS").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		}).
		String()
	_, err := fmt.Fprintln(w, rendered)
	return err
}

func formatParams(params []gateway.Param) string {
	if len(params) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(params))
	for _, param := range params {
		part := fmt.Sprintf("%s:%s", param.Name, param.Type)
		if !param.Required {
			part += "?"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

func renderEndpoint(w io.Writer, endpoint probe.Endpoint) error {
	lines := []string{
		okStyle.Render("external peer reachable"),
		field("address", endpoint.Address),
		field("protocol", endpoint.ProtocolVersion),
	}
	if endpoint.ServerVersion != "" {
		lines = append(lines, field("server version", endpoint.ServerVersion))
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func renderStatus(w io.Writer, status bridge.BridgeStatus, now time.Time) error {
	session := status.Session
	stateText := session.State
	if session.Running() {
		stateText = okStyle.Render(stateText)
	} else {
		stateText = warnStyle.Render(stateText)
	}

	lines := []string{
		headerStyle.Render("session"),
		field("state", stateText),
		field("session id", orDash(session.SessionID)),
	}
	if !session.StartedAt.IsZero() {
		lines = append(lines, field("started", humanize.RelTime(session.StartedAt, now, "ago", "from now")))
	}
	lines = append(lines,
		field("constructions", humanize.Comma(int64(session.Constructions))),
		"",
		headerStyle.Render("routing"),
		field("target mode", session.TargetMode),
		field("prefer", status.Prefer),
		field("forwarding", fmt.Sprintf("%t (fallback to local: %t)", status.ForwardingEnabled, status.FallbackToLocal)),
		field("probe address", orDash(status.ProbeAddress)),
	)
	if status.Endpoint != nil {
		lines = append(lines,
			field("endpoint", status.Endpoint.Address),
			field("last heartbeat", humanize.RelTime(status.Endpoint.LastHeartbeat, now, "ago", "from now")),
		)
	}

	metrics := session.Metrics
	lines = append(lines,
		"",
		headerStyle.Render("commands"),
		field("queue depth", humanize.Comma(int64(status.QueueDepth))),
		field("submitted", humanize.Comma(int64(metrics.Submitted))),
		field("completed", humanize.Comma(int64(metrics.Completed))),
		field("failed", humanize.Comma(int64(metrics.Failed))),
		field("timed out", humanize.Comma(int64(metrics.TimedOut))),
		field("abandoned", humanize.Comma(int64(metrics.Abandoned))),
		field("forwarded", humanize.Comma(int64(metrics.Forwarded))),
		"",
		headerStyle.Render("output store"),
		field("records", humanize.Comma(int64(status.Outputs.Records))),
		field("size", fmt.Sprintf("%s of %s",
			humanize.IBytes(uint64(status.Outputs.Bytes)),
			humanize.IBytes(uint64(status.Outputs.MaxBytes)),
		)),
		"",
		headerStyle.Render("adapter"),
		field("pending", humanize.Comma(int64(status.Adapter.Pending))),
		field("processed", humanize.Comma(int64(status.Adapter.Processed))),
		field("failures", humanize.Comma(int64(status.Adapter.Failures))),
	)
	if len(status.Violations) > 0 {
		names := make([]string, 0, len(status.Violations))
		for name := range status.Violations {
			names = append(names, name)
		}
		sort.Strings(names)
		lines = append(lines, "", warnStyle.Render("invariant violations"))
		for _, name := range names {
			lines = append(lines, field(name, humanize.Comma(int64(status.Violations[name]))))
		}
	}
	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

func field(label, value string) string {
	return labelStyle.Render(label) + value
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
