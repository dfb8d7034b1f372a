package api

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ListMode selects which devices a listing shows and how they are grouped.
type ListMode string

const (
	ModeAll     ListMode = "all"
	ModeOnline  ListMode = "online"
	ModeOffline ListMode = "offline"
)

// UngroupedName is the group of devices whose description has no group
// prefix.
const UngroupedName = "Ungrouped"

// Entry is a device prepared for display.
type Entry struct {
	ID               int64
	Serial           string
	Name             string
	Group            string
	Description      string
	Location         string
	Model            string
	Status           string
	LastSeenAgo      *int64
	Uptime           *time.Duration
	SetupName        string
	NeedsMaintenance bool
	Licensed         bool
	Chargeable       bool
	Disabled         bool
	OfflinePlan      string
}

// Group is a named run of entries.
type Group struct {
	Name    string
	Entries []Entry
}

// ParseListMode validates a mode name. An empty name selects ModeAll.
func ParseListMode(s string) (ListMode, error) {
	switch m := ListMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAll, nil
	case ModeAll, ModeOnline, ModeOffline:
		return m, nil
	default:
		return "", fmt.Errorf("unknown list mode %q", s)
	}
}

// splitDescription splits "group/name" at the first slash. A description
// without one belongs to UngroupedName.
func splitDescription(desc string) (group, name string) {
	group, name, _ = strings.Cut(desc, "/")
	if name == "" {
		return UngroupedName, group
	}

	return group, name
}

// NewEntry derives the display fields of d. now is used for uptime.
func NewEntry(d Device, now time.Time) Entry {
	group, name := splitDescription(d.Description)

	e := Entry{
		ID:               d.ID,
		Serial:           d.Serial,
		Name:             name,
		Group:            group,
		Description:      d.Description,
		Location:         d.Location,
		Model:            d.Model(),
		Status:           d.Status(),
		LastSeenAgo:      d.LastSeenAgo,
		NeedsMaintenance: d.NeedsMaintenance(),
		Licensed:         d.Offline.Licensed,
		OfflinePlan:      d.Offline.Plan,
		Disabled:         d.LastSeenAgo == nil,
	}

	if d.Setup != nil {
		e.SetupName = d.Setup.Name
	}

	if d.IsOnline && d.Run != nil {
		up := now.Sub(time.Unix(d.Run.Restarted, 0))
		e.Uptime = &up
	}

	if d.LastSeenAgo != nil {
		days := float64(*d.LastSeenAgo) / secondsPerDay
		e.Chargeable = days < d.Offline.Chargeable
		e.Disabled = days > d.Offline.MaxOffline
	}

	return e
}

// BuildList filters and groups devices for mode. In ModeAll entries are
// grouped by description prefix; other modes return a single unnamed group.
func BuildList(devices []Device, mode ListMode, now time.Time) []Group {
	entries := make([]Entry, 0, len(devices))

	for _, d := range devices {
		switch mode {
		case ModeOnline:
			if !d.IsOnline {
				continue
			}
		case ModeOffline:
			if d.IsOnline || d.LastSeenAgo == nil {
				continue
			}
		}

		entries = append(entries, NewEntry(d, now))
	}

	if mode == ModeOffline {
		sort.SliceStable(entries, func(i, j int) bool {
			return *entries[i].LastSeenAgo < *entries[j].LastSeenAgo
		})

		return []Group{{Entries: entries}}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Description) < strings.ToLower(entries[j].Description)
	})

	if mode != ModeAll {
		return []Group{{Entries: entries}}
	}

	byName := make(map[string][]Entry)
	for _, e := range entries {
		byName[e.Group] = append(byName[e.Group], e)
	}

	groups := make([]Group, 0, len(byName))
	for name, es := range byName {
		groups = append(groups, Group{Name: name, Entries: es})
	}

	sort.Slice(groups, func(i, j int) bool {
		return strings.ToLower(groups[i].Name) < strings.ToLower(groups[j].Name)
	})

	return groups
}

// FormatAgo renders a number of seconds as a coarse relative time.
func FormatAgo(seconds int64) string {
	unit := func(v int64, name string) string {
		if v == 0 {
			return ""
		}

		if v > 1 {
			name += "s"
		}

		return strconv.FormatInt(v, 10) + " " + name
	}

	switch {
	case seconds < 60:
		return "a few moments ago"
	case seconds < 3600:
		return unit(seconds/60, "minute") + " ago"
	case seconds < secondsPerDay:
		return unit(seconds/3600, "hour") + " ago"
	default:
		return unit(seconds/secondsPerDay, "day") + " ago"
	}
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(size int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	switch {
	case size > gb:
		return fmt.Sprintf("%.2fGB", float64(size)/gb)
	case size > mb:
		return fmt.Sprintf("%.1fMB", float64(size)/mb)
	case size > kb:
		return fmt.Sprintf("%.1fKB", float64(size)/kb)
	default:
		return strconv.FormatInt(size, 10) + " byte"
	}
}
