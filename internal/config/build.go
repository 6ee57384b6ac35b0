package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"wardend/internal/model"
	"wardend/internal/notify"
)

// BuildRegistry constructs a model.Registry from the zones/endpoints
// section of f and validates it (spec.md §3's DAG/depth/global-root
// invariants).
func (f *File) BuildRegistry() (*model.Registry, error) {
	reg := model.NewRegistry(f.LocalEndpoint)
	for name, ep := range f.Endpoints {
		reg.AddEndpoint(model.NewEndpoint(name, ep.Host, ep.Port, time.Duration(ep.LogDuration)))
	}
	for name, zc := range f.Zones {
		z := model.NewZone(name, zc.Parent, zc.Global)
		for _, ep := range zc.Endpoints {
			z.AddEndpoint(ep)
		}
		reg.AddZone(z)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// BuildTimePeriods parses the time_periods section into named
// model.TimePeriod values, keyed by name.
func (f *File) BuildTimePeriods() (map[string]*model.TimePeriod, error) {
	out := make(map[string]*model.TimePeriod, len(f.TimePeriods))
	for name, tc := range f.TimePeriods {
		ranges := make(map[time.Weekday][]model.TimeRange)
		days := []struct {
			wd    time.Weekday
			spans []string
		}{
			{time.Monday, tc.Monday}, {time.Tuesday, tc.Tuesday}, {time.Wednesday, tc.Wednesday},
			{time.Thursday, tc.Thursday}, {time.Friday, tc.Friday}, {time.Saturday, tc.Saturday},
			{time.Sunday, tc.Sunday},
		}
		for _, d := range days {
			for _, span := range d.spans {
				r, err := parseRange(span)
				if err != nil {
					return nil, fmt.Errorf("time_periods.%s: %w", name, err)
				}
				ranges[d.wd] = append(ranges[d.wd], r)
			}
		}
		out[name] = &model.TimePeriod{Name: name, Ranges: ranges}
	}
	return out, nil
}

// parseRange parses "HH:MM-HH:MM" into minute-of-day bounds.
func parseRange(s string) (model.TimeRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return model.TimeRange{}, fmt.Errorf("invalid range %q, want HH:MM-HH:MM", s)
	}
	start, err := parseHHMM(parts[0])
	if err != nil {
		return model.TimeRange{}, err
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return model.TimeRange{}, err
	}
	return model.TimeRange{StartMinute: start, EndMinute: end}, nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	return h*60 + m, nil
}

// BuildCheckables constructs Host/Service objects for every configured
// checkable, resolving check_period names against periods.
func (f *File) BuildCheckables(periods map[string]*model.TimePeriod) ([]*model.Host, []*model.Service, error) {
	hosts := make(map[string]*model.Host)
	var hostList []*model.Host
	var services []*model.Service

	for _, c := range f.Checkables {
		ha := model.HARunOnAll
		if c.HAMode == "run_once" {
			ha = model.HARunOnOnce
		}
		cfg := model.CheckableConfig{
			CheckCommand:     c.CheckCommand,
			CheckInterval:    time.Duration(c.CheckInterval),
			RetryInterval:    time.Duration(c.RetryInterval),
			MaxCheckAttempts: c.MaxCheckAttempts,
			CommandEndpoint:  c.CommandEndpoint,
			HistoryDepth:     c.HistoryDepth,
		}
		if c.CheckPeriod != "" {
			p, ok := periods[c.CheckPeriod]
			if !ok {
				return nil, nil, fmt.Errorf("checkable %s references undeclared check_period %q", c.Host, c.CheckPeriod)
			}
			cfg.CheckPeriod = p
		}

		if c.Service == "" {
			h, ok := hosts[c.Host]
			if !ok {
				h = model.NewHost(c.Host, c.Zone, ha, cfg)
				hosts[c.Host] = h
				hostList = append(hostList, h)
			}
			continue
		}

		if _, ok := hosts[c.Host]; !ok {
			h := model.NewHost(c.Host, c.Zone, ha, model.CheckableConfig{CheckInterval: time.Duration(c.CheckInterval), RetryInterval: time.Duration(c.RetryInterval), MaxCheckAttempts: 1})
			hosts[c.Host] = h
			hostList = append(hostList, h)
		}
		services = append(services, model.NewService(c.Host, c.Service, c.Zone, ha, cfg))
	}
	return hostList, services, nil
}

// BuildNotifications parses the notifications section into
// model.Notification values, keyed by name, resolving period names
// against periods and expanding each entry's user_groups against the
// groups section into its flat Users list (deduplicated).
func (f *File) BuildNotifications(periods map[string]*model.TimePeriod) (map[string]*model.Notification, error) {
	out := make(map[string]*model.Notification, len(f.Notifications))
	for _, nc := range f.Notifications {
		mask, err := parseNotificationTypes(nc.Types)
		if err != nil {
			return nil, fmt.Errorf("notifications.%s: %w", nc.Name, err)
		}
		var period *model.TimePeriod
		if nc.Period != "" {
			p, ok := periods[nc.Period]
			if !ok {
				return nil, fmt.Errorf("notifications.%s references undeclared period %q", nc.Name, nc.Period)
			}
			period = p
		}
		users, err := f.expandRecipients(nc.Users, nc.UserGroups)
		if err != nil {
			return nil, fmt.Errorf("notifications.%s: %w", nc.Name, err)
		}
		out[nc.Name] = model.NewNotification(nc.Name, mask, period, users)
	}
	return out, nil
}

// expandRecipients flattens users plus the membership of every named
// group in groups into one deduplicated recipient list.
func (f *File) expandRecipients(users, groups []string) ([]string, error) {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range users {
		add(u)
	}
	for _, g := range groups {
		members, ok := f.Groups[g]
		if !ok {
			return nil, fmt.Errorf("references undeclared user_group %q", g)
		}
		for _, u := range members {
			add(u)
		}
	}
	return out, nil
}

// BuildDependencies indexes hosts/services by name and constructs the
// dependency checker from the dependencies section, resolving period
// names against periods.
func (f *File) BuildDependencies(hosts []*model.Host, services []*model.Service, periods map[string]*model.TimePeriod) (*model.CheckableIndex, *model.DependencyChecker, error) {
	idx := model.NewCheckableIndex()
	for _, h := range hosts {
		idx.AddHost(h)
	}
	for _, s := range services {
		idx.AddService(s)
	}

	checker := model.NewDependencyChecker(idx)
	for _, dc := range f.Dependencies {
		states, err := parseStates(dc.States)
		if err != nil {
			return nil, nil, fmt.Errorf("dependencies: %w", err)
		}
		var period *model.TimePeriod
		if dc.Period != "" {
			p, ok := periods[dc.Period]
			if !ok {
				return nil, nil, fmt.Errorf("dependencies: references undeclared period %q", dc.Period)
			}
			period = p
		}
		checker.Add(dc.Child, &model.Dependency{
			ParentHost:    dc.ParentHost,
			ParentService: dc.ParentService,
			StateFilter:   states,
			Period:        period,
		})
	}
	return idx, checker, nil
}

func parseStates(names []string) ([]model.State, error) {
	var out []model.State
	for _, n := range names {
		switch n {
		case "ok":
			out = append(out, model.StateOK)
		case "warning":
			out = append(out, model.StateWarning)
		case "critical":
			out = append(out, model.StateCritical)
		case "unknown":
			out = append(out, model.StateUnknown)
		case "up":
			out = append(out, model.StateUp)
		case "down":
			out = append(out, model.StateDown)
		default:
			return nil, fmt.Errorf("unknown state %q", n)
		}
	}
	return out, nil
}

func parseNotificationTypes(names []string) (model.NotificationTypeMask, error) {
	var types []model.NotificationType
	for _, n := range names {
		switch n {
		case "problem":
			types = append(types, model.NotificationProblem)
		case "recovery":
			types = append(types, model.NotificationRecovery)
		case "acknowledgement":
			types = append(types, model.NotificationAcknowledgement)
		case "flapping_start":
			types = append(types, model.NotificationFlappingStart)
		case "flapping_end":
			types = append(types, model.NotificationFlappingEnd)
		case "downtime_start":
			types = append(types, model.NotificationDowntimeStart)
		case "downtime_end":
			types = append(types, model.NotificationDowntimeEnd)
		case "custom":
			types = append(types, model.NotificationCustom)
		default:
			return 0, fmt.Errorf("unknown notification type %q", n)
		}
	}
	return model.MaskOf(types...), nil
}

// BuildUserDirectory wires each configured Telegram bot to the user
// names it should deliver to.
func (f *File) BuildUserDirectory() *notify.StaticDirectory {
	dir := notify.NewStaticDirectory()
	for _, tc := range f.Telegram {
		ch := notify.NewTelegramChannel(notify.TelegramConfig{BotToken: tc.BotToken, ChatID: tc.ChatID})
		for _, user := range tc.Users {
			dir.Add(user, ch)
		}
	}
	return dir
}
