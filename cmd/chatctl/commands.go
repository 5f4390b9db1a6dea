package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
)

func init() {
	sendCmd.Flags().StringSliceVarP(&attachFlag, "attach", "a", nil, "attachment URL (repeatable)")
	messagesCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "maximum number of messages")
	messagesCmd.Flags().Int64Var(&beforeFlag, "before", 0, "only messages older than this unix millisecond time")
	searchCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "maximum number of results")
	searchCmd.Flags().StringVarP(&convFlag, "conversation", "c", "", "restrict to one conversation")
	conversationsCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "maximum number of conversations")
	conversationsCmd.Flags().IntVar(&offsetFlag, "offset", 0, "conversations to skip")
	eventsCmd.Flags().StringVar(&prefixFlag, "prefix", "", "only events whose kind starts with this")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	rootCmd.AddCommand(
		statusCmd, connectCmd, disconnectCmd,
		sendCmd, retryCmd, readCmd, typingCmd, watchCmd, unwatchCmd,
		messagesCmd, searchCmd, conversationsCmd,
		settingsCmd, permissionCmd, focusCmd, clearCmd,
		eventsCmd, profilesCmd,
	)
}

var (
	attachFlag []string
	limitFlag  int
	offsetFlag int
	beforeFlag int64
	convFlag   string
	prefixFlag string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(st)
			return nil
		}
		fmt.Printf("%s  %s\n", bold("Profile:"), st.Profile)
		fmt.Printf("%s %s\n", bold("Identity:"), st.Identity)
		fmt.Printf("%s    %s\n", bold("State:"), stateColor(st.State))
		if st.RetryCount > 0 {
			fmt.Printf("%s  %d\n", bold("Retries:"), st.RetryCount)
		}
		if st.LastError != "" {
			fmt.Printf("%s    %s\n", bold("Error:"), red(st.LastError))
		}
		presence := "stale"
		if st.PresenceAuthoritative {
			presence = "authoritative"
		}
		fmt.Printf("%s   %d %s\n", bold("Online:"), len(st.Online), faint("("+presence+")"))
		total := 0
		for _, n := range st.Unread {
			total += n
		}
		fmt.Printf("%s   %d in %d conversations\n", bold("Unread:"), total, len(st.Unread))
		if st.LastResync != "" {
			fmt.Printf("%s   %s\n", bold("Resync:"), st.LastResync)
		}
		fmt.Printf("%s   %s\n", bold("Uptime:"), (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [identity]",
	Short: "Connect as identity (defaults to server.identity)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		identity := ""
		if len(args) == 1 {
			identity = args[0]
		}
		if err := client.Connect(ctx, identity); err != nil {
			return err
		}
		fmt.Println("connecting")
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Close the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		return client.Disconnect(ctx)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		m, err := client.Send(ctx, api.SendRequest{
			ConversationID: args[0],
			Content:        strings.Join(args[1:], " "),
			Attachments:    attachFlag,
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		fmt.Printf("%s %s\n", m.LocalID, statusColor(m.Status))
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <local-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		m, err := client.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(m)
			return nil
		}
		fmt.Printf("%s %s\n", m.LocalID, statusColor(m.Status))
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		ids, err := client.MarkRead(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(api.Marked{MessageIDs: ids})
			return nil
		}
		fmt.Printf("%d marked read\n", len(ids))
		return nil
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <conversation> <on|off>",
	Short: "Report whether the input box has content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		return client.SetTyping(ctx, args[0], on)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Start observing a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		return client.Watch(ctx, args[0])
	},
}

var unwatchCmd = &cobra.Command{
	Use:   "unwatch <conversation>",
	Short: "Stop observing a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		return client.Unwatch(ctx, args[0])
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "List messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		msgs, err := client.Messages(ctx, api.ListRequest{ConversationID: args[0], Limit: limitFlag, Before: beforeFlag})
		if err != nil {
			return err
		}
		printMessages(msgs)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search journaled messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		msgs, err := client.Search(ctx, api.SearchRequest{Query: strings.Join(args, " "), ConversationID: convFlag, Limit: limitFlag})
		if err != nil {
			return err
		}
		printMessages(msgs)
		return nil
	},
}

func printMessages(msgs []api.Message) {
	if jsonFlag {
		outputJSON(api.Messages{Messages: msgs})
		return
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		if m.Outgoing {
			who = "me"
		}
		fmt.Printf("%s %s %s %s\n",
			faint(m.CreatedAt.Local().Format("2006-01-02 15:04")),
			bold(terminalSafe(who)+":"),
			terminalSafe(m.Content),
			statusColor(m.Status))
		for _, a := range m.Attachments {
			fmt.Printf("    %s\n", cyan(a))
		}
	}
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		convs, err := client.Conversations(ctx, api.PageRequest{Limit: limitFlag, Offset: offsetFlag})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(api.Conversations{Conversations: convs})
			return nil
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.Unread > 0 {
				unread = green(fmt.Sprintf("(%d)", c.Unread))
			}
			fmt.Printf("%-24s %-20s %s %s\n", c.ID, bold(terminalSafe(c.Name)), unread, faint(terminalSafe(c.Preview)))
		}
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change notification settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show notification settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		s, err := client.Settings(ctx)
		if err != nil {
			return err
		}
		printSettings(s)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key=on|off>...",
	Short: "Change notification settings, e.g. sound=off groupMessages=on",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := make(map[string]any, len(args))
		for _, arg := range args {
			key, value, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("expected key=value, got %q", arg)
			}
			on, err := parseSwitch(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			patch[key] = on
		}
		ctx, cancel := requestContext()
		defer cancel()
		s, err := client.UpdateSettings(ctx, patch)
		if err != nil {
			return err
		}
		printSettings(s)
		return nil
	},
}

func printSettings(s notify.Settings) {
	if jsonFlag {
		outputJSON(s)
		return
	}
	row := func(name string, on bool) {
		v := red("off")
		if on {
			v = green("on")
		}
		fmt.Printf("%-18s %s\n", name, v)
	}
	row("enabled", s.Enabled)
	row("sound", s.Sound)
	row("vibration", s.Vibration)
	row("desktop", s.Desktop)
	row("messagePreview", s.MessagePreview)
	row("groupMessages", s.GroupMessages)
	row("callNotifications", s.CallNotifications)
	fmt.Printf("%-18s %s\n", "permission", s.Permission)
}

var permissionCmd = &cobra.Command{
	Use:   "permission <default|granted|denied>",
	Short: "Record the notification permission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := notify.ParsePermission(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		return client.SetPermission(ctx, p)
	},
}

var focusCmd = &cobra.Command{
	Use:   "focus <on|off>",
	Short: "Report whether the UI has focus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()
		return client.SetFocus(ctx, on)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset the notification counter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()
		return client.ClearNotifications(ctx)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		stream, err := client.Events(ctx, prefixFlag)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(evt)
				continue
			}
			fmt.Printf("%s %s %v\n", faint(evt.At.Local().Format("15:04:05.000")), cyan(evt.Kind), evt.Payload)
		}
	},
}

var profilesCmd = &cobra.Command{
	Use:         "profiles",
	Short:       "List known profiles",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"offline": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}
		for _, name := range names {
			state := faint("stopped")
			if pid, held := lock.Holder(profile.Dir(name)); held {
				state = green("running pid " + strconv.Itoa(pid))
			}
			marker := " "
			if name == profileName {
				marker = "*"
			}
			fmt.Printf("%s %-20s %s\n", marker, name, state)
		}
		return nil
	},
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
