package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/fleetdash/internal/api"
	"github.com/charmbracelet/lipgloss"
)

type theme struct {
	Header lipgloss.Style
	Group  lipgloss.Style
	Muted  lipgloss.Style
	Label  lipgloss.Style
	Alert  lipgloss.Style
	Status map[string]lipgloss.Style
}

func defaultTheme() theme {
	muted := lipgloss.Color("#7D7D7D")

	return theme{
		Header: lipgloss.NewStyle().Bold(true),
		Group: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00BCD4")),
		Muted: lipgloss.NewStyle().Foreground(muted),
		Label: lipgloss.NewStyle().
			Foreground(muted).
			Width(16),
		Alert: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFBF00")),
		Status: map[string]lipgloss.Style{
			api.StatusOnline:       lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")),
			api.StatusDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF9800")),
			api.StatusOffline:      lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5722")),
			api.StatusUnknown:      lipgloss.NewStyle().Foreground(muted),
		},
	}
}

var styles = defaultTheme()

func badge(status string) string {
	st, ok := styles.Status[status]
	if !ok {
		st = styles.Muted
	}

	return st.Render(status)
}

func field(w io.Writer, label, value string) {
	fmt.Fprintln(w, styles.Label.Render(label)+value)
}

func renderOverview(w io.Writer, ov *api.Overview) {
	fmt.Fprintln(w, styles.Header.Render(ov.Account.Email))
	field(w, "Balance", fmt.Sprintf("%.2f", ov.Account.Balance))
	field(w, "Billed devices", strconv.Itoa(ov.Account.Usage.Devices))
	field(w, "Storage", api.FormatSize(ov.Account.Usage.Storage))

	counts := make(map[string]int)
	for _, d := range ov.Devices {
		counts[d.Status()]++
	}

	parts := make([]string, 0, 4)
	for _, s := range []string{api.StatusOnline, api.StatusDisconnected, api.StatusOffline, api.StatusUnknown} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], badge(s)))
		}
	}

	if len(parts) == 0 {
		parts = append(parts, styles.Muted.Render("none"))
	}

	field(w, "Devices", strings.Join(parts, ", "))
}

func renderDeviceList(w io.Writer, groups []api.Group, mode api.ListMode) {
	empty := true

	for _, g := range groups {
		if len(g.Entries) == 0 {
			continue
		}

		empty = false

		if g.Name != "" {
			fmt.Fprintln(w, styles.Group.Render(g.Name))
		}

		for _, e := range g.Entries {
			line := fmt.Sprintf("  %6d  %-24s %s", e.ID, e.Name, badge(e.Status))

			if e.Location != "" {
				line += "  " + styles.Muted.Render(e.Location)
			}

			if mode == api.ModeOffline && e.LastSeenAgo != nil {
				line += "  " + styles.Muted.Render(api.FormatAgo(*e.LastSeenAgo))
			}

			if e.NeedsMaintenance {
				line += "  " + styles.Alert.Render("maintenance")
			}

			fmt.Fprintln(w, line)
		}
	}

	if empty {
		fmt.Fprintln(w, styles.Muted.Render("No devices match your query"))
	}
}

func renderDevice(w io.Writer, d *api.DeviceDetail, now time.Time) {
	e := api.NewEntry(d.Device, now)

	title := d.Device.Description
	if title == "" {
		title = "Unnamed Device"
	}

	fmt.Fprintln(w, styles.Header.Render(title))
	field(w, "Status", badge(e.Status))
	field(w, "Model", e.Model)
	field(w, "Serial", e.Serial)

	setup := "No setup assigned"
	if e.SetupName != "" {
		setup = e.SetupName
	}

	field(w, "Assigned setup", setup)

	if e.Location != "" {
		field(w, "Location", e.Location)
	}

	if e.Uptime != nil {
		field(w, "Last reboot", api.FormatAgo(int64(e.Uptime.Seconds())))
	}

	if e.LastSeenAgo != nil {
		field(w, "Last seen", api.FormatAgo(*e.LastSeenAgo))
	}

	if e.NeedsMaintenance {
		field(w, "Maintenance", styles.Alert.Render("pending"))
	}

	if d.Output != nil {
		field(w, "Snapshot", truncate(d.Output.Src, 64))
	} else {
		field(w, "Snapshot", styles.Muted.Render("unavailable"))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
