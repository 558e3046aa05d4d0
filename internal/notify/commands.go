package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"soilwatch/internal/domain"
	"soilwatch/internal/metrics"
)

// RegistryAPI is the registry surface operator commands act on.
type RegistryAPI interface {
	List() []domain.Device
	Get(id string) (*domain.Device, error)
	Rename(ctx context.Context, id, name string) error
	SetMuted(ctx context.Context, id string, muted bool) error
	Rules(deviceID string) []domain.ThresholdRule
	AddRule(ctx context.Context, rule *domain.ThresholdRule) error
	RemoveRule(ctx context.Context, deviceID, ruleID string) error
}

// ReadingQuery reads latest telemetry for command replies.
type ReadingQuery interface {
	LatestReading(ctx context.Context, deviceID, metric string) (*domain.Reading, error)
	LatestReadings(ctx context.Context, deviceID string) ([]domain.Reading, error)
}

// AlertQuery reads current alert states.
type AlertQuery interface {
	ListActiveAlerts(ctx context.Context) ([]domain.AlertState, error)
}

const usageText = `Commands:
/devices - list devices and freshness
/latest <device> [metric] - latest reading(s)
/alerts - active alerts
/rules <device> - threshold rules
/threshold <device> <metric> <below|above> <bound> [debounce] [cooldown] - add rule
/delrule <device> <rule-id> - remove rule
/mute <device> | /unmute <device>
/rename <device> <new name>
/status - service status
/help - this text`

// Commands parses operator chat commands and executes them against the
// registry and stores. It is transport-independent: the Telegram bot
// feeds it text and relays the reply.
type Commands struct {
	registry  RegistryAPI
	readings  ReadingQuery
	alerts    AlertQuery
	startedAt time.Time
	now       func() time.Time
}

func NewCommands(registry RegistryAPI, readings ReadingQuery, alerts AlertQuery) *Commands {
	return &Commands{
		registry:  registry,
		readings:  readings,
		alerts:    alerts,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Execute runs one command line and returns the operator-facing reply.
// Malformed input gets a usage reply, never silence.
func (c *Commands) Execute(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return usageText
	}

	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Telegram appends @botname in group chats.
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	reply, outcome := c.run(ctx, cmd, args)
	metrics.CommandsTotal.WithLabelValues(cmd, outcome).Inc()
	return reply
}

func (c *Commands) run(ctx context.Context, cmd string, args []string) (reply, outcome string) {
	switch cmd {
	case "help", "start", "menu":
		return usageText, "ok"
	case "status":
		return c.status(), "ok"
	case "devices":
		return c.devices(), "ok"
	case "latest":
		return c.latest(ctx, args)
	case "alerts":
		return c.activeAlerts(ctx)
	case "rules":
		return c.rules(args)
	case "threshold":
		return c.addThreshold(ctx, args)
	case "delrule":
		return c.deleteRule(ctx, args)
	case "mute":
		return c.setMuted(ctx, args, true)
	case "unmute":
		return c.setMuted(ctx, args, false)
	case "rename":
		return c.rename(ctx, args)
	default:
		return "Unknown command.\n\n" + usageText, "usage"
	}
}

func (c *Commands) status() string {
	uptime := c.now().Sub(c.startedAt).Round(time.Second)
	devices := c.registry.List()
	active := 0
	for _, d := range devices {
		if d.Active {
			active++
		}
	}
	return fmt.Sprintf("System healthy.\nUptime: %s\nDevices: %d (%d active)", uptime, len(devices), active)
}

// freshness mirrors the operator shorthand from the field: one robot per
// silent hour, a skull past four.
func freshness(lastSeen time.Time, now time.Time) string {
	if lastSeen.IsZero() {
		return " (never seen)"
	}
	hours := int(now.Sub(lastSeen).Hours())
	switch {
	case hours > 4:
		return " ☠️"
	case hours > 0:
		return " (" + strings.Repeat("🤖", hours) + ")"
	default:
		return ""
	}
}

func (c *Commands) devices() string {
	devices := c.registry.List()
	if len(devices) == 0 {
		return "No devices registered."
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	var b strings.Builder
	now := c.now()
	for _, d := range devices {
		flags := ""
		if d.Pending {
			flags += " [pending]"
		}
		if !d.Active {
			flags += " [deactivated]"
		}
		if d.Muted {
			flags += " [muted]"
		}
		fmt.Fprintf(&b, "%s — %s (%s)%s%s\n", d.ID, d.Name, d.Type, flags, freshness(d.LastSeenAt, now))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) latest(ctx context.Context, args []string) (string, string) {
	if len(args) < 1 || len(args) > 2 {
		return "Usage: /latest <device> [metric]", "usage"
	}
	deviceID := args[0]
	if _, err := c.registry.Get(deviceID); err != nil {
		return fmt.Sprintf("Device %s not found.", deviceID), "error"
	}

	if len(args) == 2 {
		r, err := c.readings.LatestReading(ctx, deviceID, args[1])
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				return fmt.Sprintf("No readings for %s/%s yet.", deviceID, args[1]), "ok"
			}
			return "Storage is unavailable, try again later.", "error"
		}
		return formatReading(r), "ok"
	}

	rs, err := c.readings.LatestReadings(ctx, deviceID)
	if err != nil {
		return "Storage is unavailable, try again later.", "error"
	}
	if len(rs) == 0 {
		return fmt.Sprintf("No readings for %s yet.", deviceID), "ok"
	}
	var b strings.Builder
	for i := range rs {
		b.WriteString(formatReading(&rs[i]))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), "ok"
}

func formatReading(r *domain.Reading) string {
	unit := r.Unit
	if unit != "" {
		unit = " " + unit
	}
	return fmt.Sprintf("%s: %s = %.1f%s (at %s)",
		r.DeviceID, r.Metric, r.Value, unit, r.ReceivedAt.UTC().Format("2006-01-02 15:04 UTC"))
}

func (c *Commands) activeAlerts(ctx context.Context) (string, string) {
	states, err := c.alerts.ListActiveAlerts(ctx)
	if err != nil {
		return "Storage is unavailable, try again later.", "error"
	}
	if len(states) == 0 {
		return "No active alerts 🌿", "ok"
	}
	var b strings.Builder
	for _, st := range states {
		icon := "⏳"
		if st.Status == domain.StatusAlerted {
			icon = "🚨"
		}
		fmt.Fprintf(&b, "%s %s rule %s: %s since %s\n",
			icon, st.DeviceID, st.RuleID, st.Status, st.Since.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return strings.TrimRight(b.String(), "\n"), "ok"
}

func (c *Commands) rules(args []string) (string, string) {
	if len(args) != 1 {
		return "Usage: /rules <device>", "usage"
	}
	if _, err := c.registry.Get(args[0]); err != nil {
		return fmt.Sprintf("Device %s not found.", args[0]), "error"
	}
	rules := c.registry.Rules(args[0])
	if len(rules) == 0 {
		return "No rules configured.", "ok"
	}
	var b strings.Builder
	for _, r := range rules {
		fmt.Fprintf(&b, "%s: %s %s %g (debounce %s, cooldown %s)\n",
			r.ID, r.Metric, r.Op, r.Bound, r.Debounce, r.Cooldown)
	}
	return strings.TrimRight(b.String(), "\n"), "ok"
}

func (c *Commands) addThreshold(ctx context.Context, args []string) (string, string) {
	if len(args) < 4 || len(args) > 6 {
		return "Usage: /threshold <device> <metric> <below|above> <bound> [debounce] [cooldown]\nExample: /threshold probe-7 moisture below 20 10m 1h", "usage"
	}

	bound, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Sprintf("Bound %q is not a number.", args[3]), "usage"
	}
	rule := &domain.ThresholdRule{
		DeviceID: args[0],
		Metric:   args[1],
		Op:       domain.RuleOp(strings.ToLower(args[2])),
		Bound:    bound,
	}
	if len(args) >= 5 {
		d, err := time.ParseDuration(args[4])
		if err != nil {
			return fmt.Sprintf("Debounce %q is not a duration (try 10m).", args[4]), "usage"
		}
		rule.Debounce = d
	}
	if len(args) == 6 {
		d, err := time.ParseDuration(args[5])
		if err != nil {
			return fmt.Sprintf("Cooldown %q is not a duration (try 1h).", args[5]), "usage"
		}
		rule.Cooldown = d
	}

	if err := c.registry.AddRule(ctx, rule); err != nil {
		if domain.IsKind(err, domain.KindValidation) || domain.IsKind(err, domain.KindNotFound) {
			return "Cannot add rule: " + err.Error(), "usage"
		}
		return "Storage is unavailable, try again later.", "error"
	}
	return fmt.Sprintf("Rule %s added: %s %s %g on %s.", rule.ID, rule.Metric, rule.Op, rule.Bound, rule.DeviceID), "ok"
}

func (c *Commands) deleteRule(ctx context.Context, args []string) (string, string) {
	if len(args) != 2 {
		return "Usage: /delrule <device> <rule-id>", "usage"
	}
	if err := c.registry.RemoveRule(ctx, args[0], args[1]); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return "No such rule.", "error"
		}
		return "Storage is unavailable, try again later.", "error"
	}
	return "Rule removed.", "ok"
}

func (c *Commands) setMuted(ctx context.Context, args []string, muted bool) (string, string) {
	verb := "mute"
	if !muted {
		verb = "unmute"
	}
	if len(args) != 1 {
		return fmt.Sprintf("Usage: /%s <device>", verb), "usage"
	}
	if err := c.registry.SetMuted(ctx, args[0], muted); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return fmt.Sprintf("Device %s not found.", args[0]), "error"
		}
		return "Storage is unavailable, try again later.", "error"
	}
	if muted {
		return fmt.Sprintf("Device %s muted. Alerts keep evaluating silently.", args[0]), "ok"
	}
	return fmt.Sprintf("Device %s unmuted.", args[0]), "ok"
}

func (c *Commands) rename(ctx context.Context, args []string) (string, string) {
	if len(args) < 2 {
		return "Usage: /rename <device> <new name>", "usage"
	}
	name := strings.Join(args[1:], " ")
	if err := c.registry.Rename(ctx, args[0], name); err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return fmt.Sprintf("Device %s not found.", args[0]), "error"
		}
		if domain.IsKind(err, domain.KindValidation) {
			return "Cannot rename: " + err.Error(), "usage"
		}
		return "Storage is unavailable, try again later.", "error"
	}
	return fmt.Sprintf("Device %s renamed to %q.", args[0], name), "ok"
}
