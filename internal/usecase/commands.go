package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"relaybot/internal/domain"
)

// Command names.
const (
	cmdStart        = "/start"
	cmdHelp         = "/help"
	cmdSetRole      = "/setrole"
	cmdClearHistory = "/clear_history"
	cmdSetTemp      = "/settemp"
	cmdTokensToggle = "/tokens_toggle"
	cmdDefaultRole  = "/default_role"
)

var knownCommands = map[string]bool{
	cmdStart:        true,
	cmdHelp:         true,
	cmdSetRole:      true,
	cmdClearHistory: true,
	cmdSetTemp:      true,
	cmdTokensToggle: true,
	cmdDefaultRole:  true,
}

const helpText = `<b>Commands</b>
/setrole &lt;text&gt; - set the system role and clear the history
/clear_history - clear the history
/settemp &lt;0..2&gt; - set the sampling temperature
/tokens_toggle - show or hide token usage
/default_role - restore the default role and clear the history

Mention the bot in groups, or just write in a private chat.`

// command is a parsed slash command.
type command struct {
	name string
	arg  string
}

// known reports whether c names one of the bot's commands. Matching is
// case-sensitive.
func (c command) known() bool {
	return knownCommands[c.name]
}

// commandResult tells how routing should treat a slash-prefixed text.
type commandResult int

const (
	notCommand     commandResult = iota // route as an ordinary message
	commandForUs                        // dispatch to handleCommand
	commandForPeer                      // addressed to another bot, drop
)

// classifyCommand decides whether text is one of the bot's commands.
// Unknown names are ordinary text, so "/etc/hosts what is this?" is a prompt.
func classifyCommand(text, botName string) (command, commandResult) {
	if !strings.HasPrefix(text, "/") {
		return command{}, notCommand
	}
	cmd, ok := parseCommand(text, botName)
	if !ok {
		if addressedElsewhere(text, botName) {
			return command{}, commandForPeer
		}
		return command{}, notCommand
	}
	if !cmd.known() {
		return command{}, notCommand
	}
	return cmd, commandForUs
}

// addressedElsewhere reports a "/cmd@name" head naming a different bot.
func addressedElsewhere(text, botName string) bool {
	head, _, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		head = head[:i]
	}
	_, target, ok := strings.Cut(head, "@")
	return ok && botName != "" && target != "" && !strings.EqualFold(target, botName)
}

// parseCommand splits text into a command and its argument. A
// "/cmd@name" suffix must name this bot when the bot's username is known;
// commands addressed to other bots are rejected.
func parseCommand(text, botName string) (command, bool) {
	head, arg, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		arg = head[i+1:] + " " + arg
		head = head[:i]
	}
	name, target, hasTarget := strings.Cut(head, "@")
	if hasTarget && botName != "" && !strings.EqualFold(target, botName) {
		return command{}, false
	}
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return command{}, false
	}
	return command{name: name, arg: strings.TrimSpace(arg)}, true
}

func (r *Relay) handleCommand(ctx context.Context, msg *domain.InboundMessage, cmd command) error {
	key := msg.Key
	sessions := r.deps.Sessions
	logger := r.deps.Logger.With("chat_id", key.ChatID, "thread_id", key.ThreadID, "command", cmd.name)

	switch cmd.name {
	case cmdStart, cmdHelp:
		return r.reply(ctx, msg, helpText)

	case cmdSetRole:
		if cmd.arg == "" {
			return r.reply(ctx, msg, usage(r.texts.MissingArgument, cmdSetRole+" &lt;text&gt;"))
		}
		sessions.SetRole(key, cmd.arg)
		logger.Info("role changed")
		return r.reply(ctx, msg, r.texts.RoleChanged)

	case cmdClearHistory:
		sessions.ResetHistory(key)
		logger.Info("history cleared")
		return r.reply(ctx, msg, r.texts.HistoryCleared)

	case cmdSetTemp:
		t, err := parseTemperature(cmd.arg)
		if err == nil {
			err = sessions.SetTemperature(key, t)
		}
		if err != nil {
			logger.Debug("temperature rejected", "arg", cmd.arg, "error", err)
			return r.reply(ctx, msg, r.texts.BadTemperature)
		}
		return r.reply(ctx, msg, fmt.Sprintf("%s: %s", r.texts.Temperature, strconv.FormatFloat(sessions.Temperature(key), 'g', -1, 64)))

	case cmdTokensToggle:
		on := sessions.ToggleStats(key)
		return r.reply(ctx, msg, fmt.Sprintf("%s: %t", r.texts.StatsToggled, on))

	case cmdDefaultRole:
		sessions.ResetRole(key)
		logger.Info("default role restored")
		return r.reply(ctx, msg, r.texts.DefaultRoleSet)

	default:
		logger.Debug("ignoring unknown command")
		return nil
	}
}

// parseTemperature accepts a decimal point or a decimal comma.
func parseTemperature(arg string) (float64, error) {
	if arg == "" {
		return 0, fmt.Errorf("%w: missing temperature", domain.ErrInvalidInput)
	}
	t, err := strconv.ParseFloat(strings.Replace(arg, ",", ".", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: temperature %q", domain.ErrInvalidInput, arg)
	}
	return t, nil
}

func usage(prefix, synopsis string) string {
	return prefix + ": " + synopsis
}
