// Command naskah-edit is a line-oriented editing client. Each line read from
// stdin is appended to the document, auto-saved through the REST API and
// broadcast to other editors. Edits made while offline are queued on disk
// and replayed once the realtime connection is back.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"naskahsync/config"
	"naskahsync/internal/apiclient"
	"naskahsync/internal/autosave"
	"naskahsync/internal/connection"
	"naskahsync/internal/content"
	"naskahsync/internal/savequeue"
	"naskahsync/internal/session"
	"naskahsync/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

type options struct {
	docID     string
	sectionID string
	userID    string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("naskah-edit", flag.ContinueOnError)
	fs.StringVar(&o.docID, "doc", "", "document id to edit (required)")
	fs.StringVar(&o.sectionID, "section", "", "section to lock while editing")
	fs.StringVar(&o.userID, "user", "", "user id (defaults to the token subject)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.docID == "" {
		return o, errors.New("-doc is required")
	}
	return o, nil
}

// subjectFromToken reads the sub claim without verifying the signature.
// The server verifies it on every request.
func subjectFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Log.Sync()

	if cfg.APIToken == "" {
		logger.Sugar.Fatal("NASKAH_TOKEN is required")
	}
	if opts.userID == "" {
		if opts.userID, err = subjectFromToken(cfg.APIToken); err != nil {
			logger.Sugar.Fatalf("Cannot determine user: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, os.Stdin, os.Stderr); err != nil {
		logger.Sugar.Fatalf("naskah-edit: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, in io.Reader, out io.Writer) error {
	queue, err := savequeue.OpenFileQueue(cfg.QueueDir)
	if err != nil {
		return err
	}
	defer queue.Close()

	token := func() string { return cfg.APIToken }
	api := apiclient.New(cfg.APIURL, token)

	doc, err := api.Document(ctx, opts.docID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", opts.docID, err)
	}
	text := content.PlainText(doc.Content)
	fmt.Fprintf(out, "editing %q (version %d)\n", doc.Title, doc.Version)

	s, err := session.New(opts.docID, opts.userID, session.Deps{
		Dialer: &connection.WSDialer{URL: cfg.WebSocketURL(), Token: token},
		Save:   api.SaveFunc(opts.docID),
		Queue:  queue,
		Leases: api.Leases(),
	}, session.Config{
		Autosave:   cfg.AutosaveConfig(),
		Connection: cfg.ConnectionConfig(),
		Lock:       cfg.LockConfig(),
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			fmt.Fprintf(out, "close: %v\n", err)
		}
	}()

	conn := s.Connection()
	conn.OnConnectionStatusChange(func(st connection.Status) { fmt.Fprintf(out, "[connection] %s\n", st) })
	conn.OnUserJoined(func(p connection.PresenceEntry) { fmt.Fprintf(out, "[presence] %s joined\n", p.UserID) })
	conn.OnUserLeft(func(userID string) { fmt.Fprintf(out, "[presence] %s left\n", userID) })
	conn.OnDocumentUpdate(func(u connection.DocumentUpdate) {
		if u.Event == connection.EventSnapshot {
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", u.Event, strings.TrimSpace(content.PlainText(content.Snapshot(u.Payload))))
	})
	s.Saver().OnStatusChange(func(st autosave.Status) { fmt.Fprintf(out, "[autosave] %s\n", st) })
	s.OnLockLost(func(sectionID string) { fmt.Fprintf(out, "[lock] lost %s\n", sectionID) })

	if err := s.Start(ctx); err != nil {
		fmt.Fprintf(out, "offline, edits will be queued: %v\n", err)
	}

	if opts.sectionID != "" {
		res, err := s.Edit(ctx, opts.sectionID)
		if err != nil {
			return fmt.Errorf("lock section: %w", err)
		}
		if !res.Granted {
			return fmt.Errorf("section %s is being edited by %s", opts.sectionID, res.HeldBy)
		}
		fmt.Fprintf(out, "[lock] holding %s until %s\n", opts.sectionID, res.Lock.ExpiresAt.Format(time.Kitchen))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return flush(s, text)
		case line, ok := <-lines:
			if !ok {
				return flush(s, text)
			}
			text += line + "\n"
			snap := content.FromText(text)
			if err := s.Change(snap); err != nil {
				return err
			}
			if conn.Status() == connection.StatusConnected {
				if err := conn.BroadcastUpdate(ctx, []byte(snap)); err != nil {
					fmt.Fprintf(out, "broadcast: %v\n", err)
				}
			}
		}
	}
}

func flush(s *session.Session, text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Flush(ctx, content.FromText(text))
	if errors.Is(err, autosave.ErrQueued) {
		return nil
	}
	return err
}
