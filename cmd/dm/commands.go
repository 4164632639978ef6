package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/messenger"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"
)

// parse parses args for a command and resolves the shared configuration.
func parse(fs *pflag.FlagSet, cf *commonFlags, args []string) (cliConfig, error) {
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	cfg, err := cf.resolve()
	if err != nil {
		return cliConfig{}, err
	}
	cfg.Client.Logger = newLogger(os.Stderr, cfg.Verbose)
	return cfg, nil
}

func requireToken(cfg cliConfig) error {
	if cfg.Client.Token == "" {
		return fmt.Errorf("not logged in: run `dm login` or pass --token")
	}
	return nil
}

func cmdRegister(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("register")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password (at least 8 characters)")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}

	client, err := messenger.NewClient(cfg.Client)
	if err != nil {
		return err
	}
	user, err := client.Register(ctx, *name, *email, *password)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	color.Green("Registered %s <%s>\n", user.Name, user.Email)
	return nil
}

func cmdLogin(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("login")
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password (read from stdin if empty)")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}

	if *password == "" {
		fmt.Print("Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		*password = strings.TrimRight(line, "\r\n")
	}

	client, err := messenger.NewClient(cfg.Client)
	if err != nil {
		return err
	}
	res, err := client.Login(ctx, *email, *password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := saveToken(cfg.Path, cfg.Client.BaseURL, res.Token); err != nil {
		return err
	}
	color.Green("Logged in as %s <%s>\n", res.User.Name, res.User.Email)
	fmt.Printf("Token saved to %s\n", cfg.Path)
	return nil
}

func cmdRooms(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("rooms")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}
	if err := requireToken(cfg); err != nil {
		return err
	}

	client, err := messenger.NewClient(cfg.Client)
	if err != nil {
		return err
	}
	me, err := client.Me(ctx)
	if err != nil {
		return err
	}
	rooms, err := client.ListRooms(ctx)
	if err != nil {
		return err
	}

	store := messenger.NewConversationStore(me.ID)
	for _, r := range rooms {
		store.Seed(r)
	}

	table := newTable([]string{"Room", "With", "Last activity", "Last message"})
	for _, sum := range store.Rooms() {
		last := ""
		if sum.LastMessage != nil {
			last = preview(*sum.LastMessage)
		}
		table.Append([]string{
			sum.Room.ID,
			fmt.Sprintf("%s <%s>", sum.Counterpart.Name, sum.Counterpart.Email),
			sum.LastActivity.Local().Format("2006-01-02 15:04"),
			last,
		})
	}
	table.Render()
	return nil
}

func cmdSearch(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("search")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}
	if err := requireToken(cfg); err != nil {
		return err
	}

	client, err := messenger.NewClient(cfg.Client)
	if err != nil {
		return err
	}
	users, err := client.SearchIdentities(ctx, strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No matches.")
		return nil
	}

	table := newTable([]string{"Name", "Email", "ID"})
	for _, u := range users {
		table.Append([]string{u.Name, u.Email, u.ID})
	}
	table.Render()
	return nil
}

func cmdSend(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("send")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: dm send <email|user-id> <text...>")
	}

	sess, room, err := openChat(ctx, cfg, fs.Arg(0))
	if err != nil {
		return err
	}
	defer sess.Close()

	_, d, err := sess.SendText(ctx, room.ID, strings.Join(fs.Args()[1:], " "))
	if err != nil {
		return err
	}
	msg, err := d.Wait(ctx)
	if err != nil {
		return fmt.Errorf("not delivered: %w", err)
	}
	color.Green("Delivered (id %d)\n", msg.ID)
	return nil
}

func cmdUpload(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("upload")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: dm upload <email|user-id> <file...>")
	}

	files, err := readFiles(fs.Args()[1:])
	if err != nil {
		return err
	}
	sess, room, err := openChat(ctx, cfg, fs.Arg(0))
	if err != nil {
		return err
	}
	defer sess.Close()

	failed := reportAttachments(ctx, sess.SendAttachments(ctx, room.ID, files))
	if failed > 0 {
		return fmt.Errorf("%d of %d files not sent", failed, len(files))
	}
	return nil
}

func cmdFetch(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("fetch")
	output := fs.StringP("output", "o", "", "write to this path instead of the original file name")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}
	if err := requireToken(cfg); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dm fetch <attachment-id> [-o path]")
	}

	client, err := messenger.NewClient(cfg.Client)
	if err != nil {
		return err
	}
	payload, err := client.Fetch(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	path := *output
	if path == "" {
		path = filepath.Base(payload.Name)
		if path == "." || path == "/" || path == "" {
			path = fs.Arg(0)
		}
	}
	if err := os.WriteFile(path, payload.Data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	color.Green("Saved %s (%s, %d bytes)\n", path, payload.ContentType, len(payload.Data))
	return nil
}

func cmdChat(ctx context.Context, args []string) error {
	fs, cf := newFlagSet("chat")
	cfg, err := parse(fs, cf, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dm chat <email|user-id>")
	}

	sess, room, err := openChat(ctx, cfg, fs.Arg(0))
	if err != nil {
		return err
	}
	defer sess.Close()

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	cyan.Printf("Chatting in %s. Type a message, /file <path...> to attach, /quit to leave.\n", room.Name)

	names := map[string]string{}
	for _, p := range room.Participants {
		names[p.ID] = p.Name
	}
	view := &transcript{self: sess.Self().ID, names: names, printed: map[string]bool{}}
	view.render(sess.Store().Messages(room.ID))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	states := sess.Connection().StateChanges()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Store().Changes():
			view.render(sess.Store().Messages(room.ID))
		case s := <-states:
			if s != messenger.Connected {
				yellow.Printf("-- %s --\n", s)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleInput(ctx, sess, room.ID, line); done {
				return nil
			}
		}
	}
}

// handleInput sends one line typed in chat. It reports whether the user quit.
func handleInput(ctx context.Context, sess *messenger.Session, roomID, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case strings.HasPrefix(line, "/file "):
		files, err := readFiles(strings.Fields(strings.TrimPrefix(line, "/file ")))
		if err != nil {
			color.Red("%v\n", err)
			return false
		}
		go reportAttachments(ctx, sess.SendAttachments(ctx, roomID, files))
	default:
		if _, _, err := sess.SendText(ctx, roomID, line); err != nil {
			color.Red("%v\n", err)
		}
	}
	return false
}

// openChat opens a session and resolves the room shared with counterpart.
func openChat(ctx context.Context, cfg cliConfig, counterpart string) (*messenger.Session, domain.Room, error) {
	if err := requireToken(cfg); err != nil {
		return nil, domain.Room{}, err
	}
	sess, err := messenger.NewSession(cfg.Client)
	if err != nil {
		return nil, domain.Room{}, err
	}
	if err := sess.Open(ctx); err != nil {
		_ = sess.Close()
		return nil, domain.Room{}, err
	}
	room, err := sess.StartChat(ctx, counterpart)
	if err != nil {
		_ = sess.Close()
		return nil, domain.Room{}, fmt.Errorf("open conversation with %s: %w", counterpart, err)
	}
	return sess, room, nil
}

func readFiles(paths []string) ([]messenger.File, error) {
	files := make([]messenger.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		files = append(files, messenger.File{Name: filepath.Base(p), Data: data})
	}
	return files, nil
}

// reportAttachments prints the outcome of each file and returns the number
// that failed.
func reportAttachments(ctx context.Context, results []messenger.AttachmentResult) int {
	failed := 0
	for _, r := range results {
		err := r.Err
		if err == nil {
			_, err = r.Delivery.Wait(ctx)
		}
		if err != nil {
			failed++
			color.Red("  %s: %v\n", r.Name, err)
			continue
		}
		color.Green("  %s: sent\n", r.Name)
	}
	return failed
}

// transcript prints messages once they are confirmed or failed.
type transcript struct {
	self    string
	names   map[string]string
	printed map[string]bool
}

func (t *transcript) render(msgs []domain.Message) {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint, color.Italic)

	for _, m := range msgs {
		key := m.Key()
		if m.State == domain.StatePending || t.printed[key] {
			continue
		}
		t.printed[key] = true

		who := cyan
		if m.SenderID == t.self {
			who = green
		}
		name := t.names[m.SenderID]
		if name == "" {
			name = m.SenderID
		}
		ts := m.CreatedAt.Local().Format(time.TimeOnly)
		if m.State == domain.StateFailed {
			color.Red("[%s] %s: %s (not delivered)\n", ts, name, preview(m))
			continue
		}
		dim.Printf("[%s] ", ts)
		who.Printf("%s: ", name)
		fmt.Println(preview(m))
	}
}

func preview(m domain.Message) string {
	if m.Content.IsAttachment() {
		return fmt.Sprintf("[attachment] %s (%s)", m.Content.Name, m.Content.AttachmentID)
	}
	return m.Content.Text
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
