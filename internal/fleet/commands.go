package fleet

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/errors"
	"codeberg.org/mutker/wabot-instance/internal/logger"
	"codeberg.org/mutker/wabot-instance/internal/router"
)

const (
	cmdApprove     = "approve"
	cmdNewBots     = "newbots"
	cmdExpiredBots = "expiredbots"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Commands dispatches the operator commands and ignores everything else.
type Commands struct {
	backend  Backend
	operator Operator
	prefix   string
	log      logger.Logger
}

func NewCommands(backend Backend, operator Operator, prefix string, log logger.Logger) *Commands {
	if prefix == "" {
		prefix = "."
	}
	return &Commands{
		backend:  backend,
		operator: operator,
		prefix:   prefix,
		log:      log.With("component", "fleet"),
	}
}

var _ router.Dispatcher = (*Commands)(nil)

func (c *Commands) Dispatch(ctx context.Context, in router.Inbound) error {
	if in.Message.Payload == nil {
		return nil
	}

	name, args, ok := c.parse(in.Message.Payload.Text)
	if !ok {
		return nil
	}

	var reply string
	switch name {
	case cmdApprove:
		reply = c.approve(ctx, in, args)
	case cmdNewBots:
		reply = c.listNew(ctx, in)
	case cmdExpiredBots:
		reply = c.listExpired(ctx, in)
	default:
		return nil
	}

	if in.Reply == nil {
		return nil
	}
	return in.Reply.SendText(ctx, in.Message.RemoteJID, reply)
}

func (c *Commands) parse(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, c.prefix) {
		return "", nil, false
	}

	fields := strings.Fields(strings.TrimPrefix(text, c.prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (c *Commands) authorized(in router.Inbound, command string) bool {
	sender := in.Message.Sender()
	if c.operator.Allows(sender) {
		return true
	}

	c.log.Warn().
		Str("sender", sender).
		Str("command", command).
		Msg("Refusing operator command from non-operator")
	return false
}

func (c *Commands) refusal() string {
	if !c.operator.Enabled() {
		return "This command is disabled: no operator is configured."
	}
	return fmt.Sprintf("This command is only available for the sudo user (%s)", c.operator.Number())
}

func (c *Commands) approve(ctx context.Context, in router.Inbound, args []string) string {
	if !c.authorized(in, cmdApprove) {
		return c.refusal()
	}

	if len(args) < 2 {
		return "*Bot Approval*\n\nUsage: " + c.prefix + "approve <bot_id> <duration>\n\n" +
			"Duration options: 1, 2, 3, 6, 12 (months)\n\n" +
			"Example: " + c.prefix + "approve abc123 3"
	}

	months, err := strconv.Atoi(args[1])
	if err != nil || !ValidDuration(months) {
		return "Invalid duration. Choose from: 1, 2, 3, 6, or 12 months"
	}

	approval, err := c.backend.Approve(ctx, args[0], months)
	if err != nil {
		c.logFailure(err, cmdApprove)
		return "*Approval Failed*\n\n" + err.Error()
	}

	return fmt.Sprintf("*Bot Approved!*\n\nBot ID: %s\nDuration: %d month(s)\nPort: %d\nExpires: %s\n\n"+
		"Bot is now running and moved to approved bots.",
		approval.InstanceID, approval.DurationMonths, approval.Port, formatTimestamp(approval.ExpiresAt))
}

func (c *Commands) listNew(ctx context.Context, in router.Inbound) string {
	if !c.authorized(in, cmdNewBots) {
		return c.refusal()
	}

	bots, err := c.backend.List(ctx, StatusNew)
	if err != nil {
		c.logFailure(err, cmdNewBots)
		return "*Error*\n\n" + err.Error()
	}
	if len(bots) == 0 {
		return "*New Bots*\n\nNo new bots awaiting approval."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*New Bots (%d)*\n\n", len(bots))
	for i, bot := range bots {
		fmt.Fprintf(&b, "%d. *%s*\n", i+1, bot.Name)
		fmt.Fprintf(&b, "   ID: `%s`\n", bot.ID)
		fmt.Fprintf(&b, "   Phone: %s\n", bot.PhoneNumber)
		fmt.Fprintf(&b, "   Created: %s\n", formatTimestamp(bot.CreatedAt))
		fmt.Fprintf(&b, "   Server: %s\n\n", bot.ServerName)
	}
	fmt.Fprintf(&b, "\nTo approve: %sapprove <bot_id> <duration>\n", c.prefix)
	fmt.Fprintf(&b, "Example: %sapprove %s 3", c.prefix, bots[0].ID)

	return b.String()
}

func (c *Commands) listExpired(ctx context.Context, in router.Inbound) string {
	if !c.authorized(in, cmdExpiredBots) {
		return c.refusal()
	}

	bots, err := c.backend.List(ctx, StatusExpired)
	if err != nil {
		c.logFailure(err, cmdExpiredBots)
		return "*Error*\n\n" + err.Error()
	}
	if len(bots) == 0 {
		return "*Expired Bots*\n\nNo expired bots."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Expired Bots (%d)*\n\n", len(bots))
	for i, bot := range bots {
		fmt.Fprintf(&b, "%d. *%s*\n", i+1, bot.Name)
		fmt.Fprintf(&b, "   ID: `%s`\n", bot.ID)
		fmt.Fprintf(&b, "   Phone: %s\n", bot.PhoneNumber)
		fmt.Fprintf(&b, "   Expired: %s\n", formatTimestamp(bot.ExpiresAt))
		fmt.Fprintf(&b, "   Last Duration: %d month(s)\n", bot.DurationMonths)
		fmt.Fprintf(&b, "   Server: %s\n\n", bot.ServerName)
	}
	b.WriteString("\nThese bots need renewal to restart.")

	return b.String()
}

func (c *Commands) logFailure(err error, command string) {
	var appErr errors.Error
	if errors.As(err, &appErr) && !errors.IsNoisy(err) {
		c.log.ErrorWithContext(appErr, "fleet", command).Msg("Fleet backend call failed")
		return
	}
	c.log.Debug().Err(err).Str("command", command).Msg("Fleet backend call failed")
}

func formatTimestamp(raw string) string {
	if raw == "" {
		return "unknown"
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02 15:04 MST")
		}
	}
	return raw
}
