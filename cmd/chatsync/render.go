package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"chatsync/internal/chat"
	"chatsync/internal/media"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.FgHiBlack).SprintFunc()
	failed = color.New(color.FgRed).SprintFunc()
	mine   = color.New(color.FgCyan).SprintFunc()
)

func displayName(p chat.Profile) string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return p.Username
	}
	return p.ID
}

func printConversations(w io.Writer, list []chat.ConversationSummary) {
	if len(list) == 0 {
		fmt.Fprintln(w, faint("no conversations yet"))
		return
	}
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.MaxColWidth = 60
	tbl.AddRow(bold("Peer"), bold("Name"), bold("Unread"), bold("Last message"), bold("When"))
	for _, c := range list {
		last, when := "", ""
		if c.LastMessage != nil {
			last = preview(*c.LastMessage)
			when = c.LastMessage.CreatedAt.Local().Format(time.Stamp)
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = bold(c.UnreadCount)
		}
		tbl.AddRow(c.Peer.ID, displayName(c.Peer), unread, last, when)
	}
	fmt.Fprintln(w, tbl)
}

func printProfiles(w io.Writer, res *media.Resolver, list []chat.Profile) {
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(bold("ID"), bold("Username"), bold("Name"), bold("Avatar"))
	for _, p := range list {
		tbl.AddRow(p.ID, p.Username, p.DisplayName, res.Resolve(media.Avatars, p.Avatar))
	}
	fmt.Fprintln(w, tbl)
}

func printMessage(w io.Writer, res *media.Resolver, self string, m chat.Message) {
	who := m.SenderID
	if m.Sender != nil {
		who = displayName(*m.Sender)
	}
	if m.SenderID == self {
		who = mine("me")
	}

	line := fmt.Sprintf("%s %s: %s", faint(m.CreatedAt.Local().Format(time.Kitchen)), who, m.Content)
	if m.HasMedia() {
		line += " " + faint("["+res.Resolve(media.Messages, m.Media)+"]")
	}
	switch m.State {
	case chat.StatePending:
		line += " " + faint("(sending)")
	case chat.StateFailed:
		line += " " + failed("(failed)")
	}
	fmt.Fprintf(w, "%s %s\n", line, faint("#"+m.ID))
}

func printNotice(w io.Writer, n chat.Notice) {
	fmt.Fprintf(w, "%s %q to %s: %v\n", failed("not sent:"), n.Payload.Content, n.Payload.PeerID, n.Err)
}

func preview(m chat.Message) string {
	text := strings.TrimSpace(m.Content)
	if text == "" && m.HasMedia() {
		return "[media]"
	}
	if r := []rune(text); len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return text
}
