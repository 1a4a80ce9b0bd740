// Package command — разбор операторских команд из чата.
//
// Грамматика пословная; единственный свободный фрагмент — блок в обратных
// кавычках (lua-сниппет или JSON пользователя). Ошибки разбора — это
// человекочитаемые ответы оператору, а не внутренние ошибки демона.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modwatch/internal/domain/events"
	"modwatch/internal/domain/rules"
	"modwatch/internal/domain/signup"
)

// DefaultExpiry — срок действия правила, когда оператор не указал ни
// noexpiry, ни expiry.
const DefaultExpiry = 182 * 24 * time.Hour

// подменяется в тестах
var timeNow = time.Now

// Parse разбирает текст команды (уже без упоминания бота) и возвращает
// событие для диспетчера. Ошибка — готовый текст ответа оператору.
func Parse(text string, reply events.Replier) (events.Event, error) {
	text, block, err := extractBlock(text)
	if err != nil {
		return nil, err
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, errors.New("Empty command.")
	}

	switch tokens[0] {
	case "status":
		return events.ChatStatusCommand{ReplyTo: reply}, nil

	case "seen":
		if len(tokens) != 2 {
			return nil, errors.New("Usage: seen <username>")
		}
		return events.IsRecentlyChecked{Fragment: tokens[1], ReplyTo: reply}, nil

	case "namechk":
		if len(tokens) != 2 {
			return nil, errors.New("Usage: namechk <username>")
		}
		return events.HypotheticalSignup{
			User:    &signup.User{Username: tokens[1]},
			ReplyTo: reply,
		}, nil

	case "signup":
		if len(tokens) < 3 || tokens[1] != "rules" {
			return nil, errors.New("Unknown command. Did you mean `signup rules ...`?")
		}
		return parseRules(tokens[2:], block, reply)
	}

	return nil, fmt.Errorf("Unknown command: %s", tokens[0])
}

func parseRules(tokens []string, block string, reply events.Replier) (events.Event, error) {
	switch tokens[0] {
	case "list":
		return events.ListRules{ReplyTo: reply}, nil

	case "show":
		if len(tokens) != 2 {
			return nil, errors.New("Usage: signup rules show <name>")
		}
		return events.ShowRule{Name: tokens[1], ReplyTo: reply}, nil

	case "remove":
		if len(tokens) != 2 {
			return nil, errors.New("Usage: signup rules remove <name>")
		}
		return events.RemoveRule{Name: tokens[1], ReplyTo: reply}, nil

	case "disable-re":
		if len(tokens) != 2 {
			return nil, errors.New("Usage: signup rules disable-re <pattern>")
		}
		return events.DisableRules{Pattern: tokens[1], ReplyTo: reply}, nil

	case "enable-re":
		if len(tokens) != 2 {
			return nil, errors.New("Usage: signup rules enable-re <pattern>")
		}
		return events.EnableRules{Pattern: tokens[1], ReplyTo: reply}, nil

	case "renew":
		if len(tokens) != 3 {
			return nil, errors.New("Usage: signup rules renew <name> <duration>")
		}
		dur, err := parseDuration(tokens[2])
		if err != nil {
			return nil, err
		}
		return events.RenewRule{
			Name:    tokens[1],
			Expiry:  timeNow().Add(dur),
			ReplyTo: reply,
		}, nil

	case "test":
		if block == "" {
			return nil, errors.New("Usage: signup rules test `<json user>`")
		}
		u, err := signup.DecodeUser([]byte(block))
		if err != nil {
			return nil, fmt.Errorf("Could not parse the user JSON: %v", err)
		}
		return events.HypotheticalSignup{User: u, ReplyTo: reply}, nil

	case "add":
		return parseAdd(tokens[1:], block, reply)
	}

	return nil, fmt.Errorf("Unknown rules subcommand: %s", tokens[0])
}

// parseAdd разбирает длинную форму:
//
//	add <name> (if|if_susp_ip|if_ip_susp) <elem> <check> <value> then <actions>[ nodelay][ noexpiry|expiry <dur>]
func parseAdd(tokens []string, block string, reply events.Replier) (events.Event, error) {
	if len(tokens) < 2 {
		return nil, errors.New("Usage: signup rules add <name> if <criterion> then <actions>")
	}
	name := tokens[0]

	suspIP := false
	switch tokens[1] {
	case "if":
	case "if_susp_ip", "if_ip_susp":
		suspIP = true
	default:
		return nil, fmt.Errorf("Expected if, if_susp_ip or if_ip_susp, got %q.", tokens[1])
	}

	rest := tokens[2:]
	criterion, rest, err := parseCriterion(rest, block)
	if err != nil {
		return nil, err
	}

	if len(rest) == 0 || rest[0] != "then" {
		return nil, errors.New("Expected `then` after the criterion.")
	}
	rest = rest[1:]
	if len(rest) == 0 {
		return nil, errors.New("Expected a +-separated list of actions after `then`.")
	}

	actions, err := parseActions(rest[0])
	if err != nil {
		return nil, err
	}
	rest = rest[1:]

	noDelay := false
	expiry := DefaultExpiry
	noExpiry := false
	for len(rest) > 0 {
		switch rest[0] {
		case "nodelay":
			noDelay = true
			rest = rest[1:]
		case "noexpiry":
			noExpiry = true
			rest = rest[1:]
		case "expiry":
			if len(rest) < 2 {
				return nil, errors.New("Expected a duration after `expiry`, like 30d or 4w.")
			}
			dur, err := parseDuration(rest[1])
			if err != nil {
				return nil, err
			}
			expiry = dur
			rest = rest[2:]
		default:
			return nil, fmt.Errorf("Unexpected token %q at the end of the command.", rest[0])
		}
	}

	now := timeNow()
	rule := &rules.Rule{
		Name:         name,
		Criterion:    criterion,
		Actions:      actions,
		NoDelay:      noDelay,
		Enabled:      true,
		SuspIP:       suspIP,
		CreationDate: rules.NewMillis(now),
	}
	if !noExpiry {
		m := rules.NewMillis(now.Add(expiry))
		rule.Expiry = &m
	}
	return events.AddRule{Rule: rule, ReplyTo: reply}, nil
}

// parseCriterion съедает токены критерия и возвращает остаток.
func parseCriterion(tokens []string, block string) (rules.Criterion, []string, error) {
	if len(tokens) == 0 {
		return rules.Criterion{}, nil, errors.New("Expected a criterion after the condition keyword.")
	}

	switch tokens[0] {
	case "lua":
		if block == "" {
			return rules.Criterion{}, nil, errors.New("The lua criterion needs a backtick-quoted code block.")
		}
		c, err := rules.NewCriterion(rules.KindLua, block, 0)
		return c, tokens[1:], err

	case "print":
		return rules.Criterion{}, nil, errors.New("Fingerprint rules cannot be added from chat.")

	case "ip":
		if len(tokens) < 3 || tokens[1] != "equals" {
			return rules.Criterion{}, nil, errors.New("Usage: ip equals <address>")
		}
		c, err := rules.NewCriterion(rules.KindIPEquals, tokens[2], 0)
		return c, tokens[3:], err

	case "email", "username":
		if len(tokens) < 3 {
			return rules.Criterion{}, nil, fmt.Errorf("Usage: %s (contains|regex) <value>", tokens[0])
		}
		kind, err := containsOrRegex(tokens[0], tokens[1])
		if err != nil {
			return rules.Criterion{}, nil, err
		}
		c, err := rules.NewCriterion(kind, tokens[2], 0)
		if err != nil {
			return rules.Criterion{}, nil, fmt.Errorf("Invalid regular expression: %v", err)
		}
		return c, tokens[3:], nil

	case "useragent":
		if len(tokens) < 3 || tokens[1] != "length-lte" {
			return rules.Criterion{}, nil, errors.New("Usage: useragent length-lte <n>")
		}
		n, err := strconv.Atoi(tokens[2])
		if err != nil || n < 0 {
			return rules.Criterion{}, nil, fmt.Errorf("Invalid length bound %q.", tokens[2])
		}
		c, err := rules.NewCriterion(rules.KindUALenLte, "", n)
		return c, tokens[3:], err
	}

	return rules.Criterion{}, nil, fmt.Errorf("Unknown criterion element %q.", tokens[0])
}

func containsOrRegex(elem, check string) (string, error) {
	switch elem + " " + check {
	case "email contains":
		return rules.KindEmailContains, nil
	case "email regex":
		return rules.KindEmailRegex, nil
	case "username contains":
		return rules.KindUsernameContains, nil
	case "username regex":
		return rules.KindUsernameRegex, nil
	}
	return "", fmt.Errorf("Expected contains or regex after %s, got %q.", elem, check)
}

// parseActions разбирает список вида shadowban+notify.
func parseActions(s string) ([]rules.Action, error) {
	parts := strings.Split(s, "+")
	actions := make([]rules.Action, 0, len(parts))
	for _, p := range parts {
		a, ok := rules.ParseAction(p)
		if !ok {
			return nil, fmt.Errorf("Unknown action %q.", p)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// parseDuration понимает только Nd и Nw с положительным N.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("Invalid duration %q, expected e.g. 30d or 4w.", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("Invalid duration %q, expected e.g. 30d or 4w.", s)
	}
	switch s[len(s)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("Invalid duration %q, expected e.g. 30d or 4w.", s)
}

// extractBlock вырезает первый фрагмент в обратных кавычках и возвращает
// команду без него. Непарная кавычка — ошибка.
func extractBlock(text string) (rest, block string, err error) {
	open := strings.IndexByte(text, '`')
	if open < 0 {
		return text, "", nil
	}
	end := strings.IndexByte(text[open+1:], '`')
	if end < 0 {
		return "", "", errors.New("Unbalanced backtick in the command.")
	}
	block = text[open+1 : open+1+end]
	rest = text[:open] + " " + text[open+2+end:]
	return rest, strings.TrimSpace(block), nil
}
