package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/meszmate/qmchat/internal/conversation"
)

const (
	cmdSay     = ""
	cmdQuit    = "quit"
	cmdName    = "name"
	cmdPhoto   = "photo"
	cmdAdd     = "add"
	cmdCreate  = "create"
	cmdTyping  = "typing"
	cmdRequest = "request"
	cmdAccept  = "accept"
	cmdReject  = "reject"
	cmdRemove  = "remove"
	cmdBlock   = "block"
	cmdUnblock = "unblock"

	// Handled by the input loop, not by run.
	cmdSearch  = "search"
	cmdForget  = "forget"
	cmdConnect = "connect"
)

var (
	errNotDelivered = errors.New("not delivered")
	errGroupOnly    = errors.New("only available in group conversations")
	errPrivateOnly  = errors.New("only available in private conversations")
)

type command struct {
	name string
	arg  string
}

// parseLine splits "/name arg" lines. Anything else, or "//text", is text to
// send.
func parseLine(line string) command {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{name: cmdSay, arg: strings.TrimPrefix(line, "/")}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

// parseIDs parses "12, 13,14" into ids. Bad tokens are an error here since
// the user typed them.
func parseIDs(s string) ([]int, error) {
	parts := lo.Filter(strings.Split(s, ","), func(p string, _ int) bool {
		return strings.TrimSpace(p) != ""
	})
	if len(parts) == 0 {
		return nil, fmt.Errorf("no user ids given")
	}

	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", strings.TrimSpace(p))
		}
		ids = append(ids, id)
	}
	return lo.Uniq(ids), nil
}

func run(ctx context.Context, conv *conversation.Conversation, cmd command) error {
	group := conv.Kind() == conversation.KindGroup

	var ok bool
	switch cmd.name {
	case cmdSay:
		if strings.TrimSpace(cmd.arg) == "" {
			return nil
		}
		ok = conv.Send(ctx, cmd.arg)
	case cmdName, cmdPhoto, cmdAdd, cmdCreate:
		if !group {
			return errGroupOnly
		}
		switch cmd.name {
		case cmdName:
			ok = conv.Rename(ctx, cmd.arg)
		case cmdPhoto:
			ok = conv.SetPhoto(ctx, cmd.arg)
		default:
			ids, err := parseIDs(cmd.arg)
			if err != nil {
				return err
			}
			if cmd.name == cmdAdd {
				ok = conv.AddOccupants(ctx, ids)
			} else {
				ok = conv.AnnounceCreated(ctx, ids)
			}
		}
	case cmdTyping, cmdRequest, cmdAccept, cmdReject, cmdRemove, cmdBlock, cmdUnblock:
		if group {
			return errPrivateOnly
		}
		session := conv.Chat()
		switch cmd.name {
		case cmdTyping:
			ok = session.NotifyIsTyping(ctx)
		case cmdRequest:
			ok = session.AddToFriends(ctx)
		case cmdAccept:
			ok = session.AcceptFriend(ctx)
		case cmdReject:
			ok = session.RejectFriend(ctx)
		case cmdRemove:
			ok = session.DeleteFromFriends(ctx)
		case cmdBlock:
			ok = session.Block(ctx)
		case cmdUnblock:
			ok = session.Unblock(ctx)
		}
	default:
		return fmt.Errorf("unknown command /%s", cmd.name)
	}

	if !ok {
		return errNotDelivered
	}
	return nil
}

// search fills list with the users matching query and prints them.
func search(ctx context.Context, list *conversation.VisibleList, out *printer, query string) error {
	if query == "" {
		return fmt.Errorf("usage: /%s <name>", cmdSearch)
	}
	if err := list.Search(ctx, query); err != nil {
		return err
	}
	contacts, err := list.Snapshot(ctx)
	if err != nil {
		return err
	}

	if len(contacts) == 0 {
		out.status("no users found")
		return nil
	}
	for _, contact := range contacts {
		out.contact(contact)
	}
	return nil
}
