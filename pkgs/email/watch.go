package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// WatchOptions holds options for watch mode
type WatchOptions struct {
	HandlerCmd   string
	PollInterval int // seconds
	MaxRetries   int
	Once         bool
	// Delete removes a message from the server after its handler succeeds.
	Delete bool
	// SkipExisting records the messages present at startup without
	// handling them.
	SkipExisting bool

	// Notify and Status default to stdout and stderr.
	Notify io.Writer
	Status io.Writer
}

// WatchStatus represents a status message type
type WatchStatus struct {
	Type    string `json:"type"`            // "connection", "poll", "process", "delete", "error"
	Level   string `json:"level,omitempty"` // "info", "warn", "error"
	Message string `json:"message"`
	UID     string `json:"uid,omitempty"`
}

// EmailNotification represents a new email notification
type EmailNotification struct {
	Type      string   `json:"type"` // "email"
	Index     int      `json:"index"`
	UID       string   `json:"uid,omitempty"`
	MessageID string   `json:"message_id"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Date      string   `json:"date"`
	Size      int      `json:"size"`
}

// Watch polls the POP3 maildrop and hands every new message to
// opts.HandlerCmd. The provided context controls the lifetime of the watch
// loop; cancel it (e.g. on SIGINT/SIGTERM) for a graceful shutdown.
func (s *MailServer) Watch(ctx context.Context, opts WatchOptions) error {
	if err := s.requirePOP3(); err != nil {
		return err
	}
	return newWatcher(s, opts).run(ctx)
}

type watcher struct {
	r         MailReceiver
	opts      WatchOptions
	processed map[string]bool
	first     bool
}

func newWatcher(r MailReceiver, opts WatchOptions) *watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Notify == nil {
		opts.Notify = os.Stdout
	}
	if opts.Status == nil {
		opts.Status = os.Stderr
	}
	return &watcher{r: r, opts: opts, processed: make(map[string]bool), first: true}
}

func (w *watcher) status(s WatchStatus) {
	data, _ := json.Marshal(s)
	fmt.Fprintln(w.opts.Status, string(data))
}

func (w *watcher) run(ctx context.Context) error {
	defer w.r.Close()

	if err := w.cycleWithRetry(ctx); err != nil {
		return err
	}
	if w.opts.Once {
		w.status(WatchStatus{
			Type:    "connection",
			Level:   "info",
			Message: "One-time processing complete, exiting",
		})
		return nil
	}

	interval := time.Duration(w.opts.PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.status(WatchStatus{
		Type:    "poll",
		Level:   "info",
		Message: fmt.Sprintf("Polling mode started (interval: %ds)", w.opts.PollInterval),
	})

	for {
		select {
		case <-ctx.Done():
			w.status(WatchStatus{
				Type:    "connection",
				Level:   "info",
				Message: "Shutting down (context cancelled)",
			})
			return nil
		case <-ticker.C:
			if err := w.cycleWithRetry(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// cycleWithRetry runs one poll cycle, retrying with exponential backoff when
// the server cannot be reached.
func (w *watcher) cycleWithRetry(ctx context.Context) error {
	err := w.cycle()
	for attempt := 0; err != nil && attempt < w.opts.MaxRetries; attempt++ {
		if !discardable(err) {
			return err
		}
		waitTime := time.Duration(1<<uint(attempt)) * time.Second
		if waitTime > 30*time.Second {
			waitTime = 30 * time.Second
		}
		w.status(WatchStatus{
			Type:    "connection",
			Level:   "warn",
			Message: fmt.Sprintf("Poll failed (%v), retrying in %v (attempt %d/%d)", err, waitTime, attempt+1, w.opts.MaxRetries),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
		err = w.cycle()
	}
	if err != nil {
		return fmt.Errorf("failed to poll after %d attempts: %w", w.opts.MaxRetries, err)
	}
	return nil
}

// cycle lists the maildrop, handles unseen messages and ends the session so
// that deletions are committed and the next cycle sees new mail.
func (w *watcher) cycle() error {
	defer func() {
		if err := w.r.Close(); err != nil {
			w.status(WatchStatus{
				Type:    "connection",
				Level:   "warn",
				Message: fmt.Sprintf("Failed to end session: %v", err),
			})
		}
	}()

	infos, err := w.r.GetInfo()
	if err != nil {
		return err
	}

	skip := w.first && w.opts.SkipExisting
	w.first = false

	var pending []MailInfo
	for _, info := range infos {
		key := watchKey(info)
		if w.processed[key] {
			continue
		}
		if skip {
			w.processed[key] = true
			continue
		}
		pending = append(pending, info)
	}

	if len(pending) == 0 {
		w.status(WatchStatus{
			Type:    "process",
			Level:   "info",
			Message: "No new emails found",
		})
		return nil
	}

	w.status(WatchStatus{
		Type:    "process",
		Level:   "info",
		Message: fmt.Sprintf("Processing %d new emails", len(pending)),
	})

	for _, info := range pending {
		if err := w.processEmail(info); err != nil {
			if discardable(err) {
				return err
			}
			// Continue with next email (sequential processing)
			w.status(WatchStatus{
				Type:    "error",
				Level:   "error",
				Message: fmt.Sprintf("Failed to process message %d: %v", info.Index, err),
				UID:     info.UID,
			})
		}
	}
	return nil
}

// watchKey identifies a message across sessions. Without UIDL the number
// and size are the best available approximation.
func watchKey(info MailInfo) string {
	if info.UID != "" {
		return info.UID
	}
	return fmt.Sprintf("#%d/%d", info.Index, info.Size)
}

// processEmail processes a single email
func (w *watcher) processEmail(info MailInfo) error {
	raw, err := w.r.GetRaw(info.Index)
	if err != nil {
		return fmt.Errorf("failed to fetch email: %w", err)
	}

	notification := EmailNotification{
		Type:  "email",
		Index: info.Index,
		UID:   info.UID,
		Size:  info.Size,
	}
	if hdr, err := DecodeHeader(raw); err == nil {
		notification.MessageID = hdr.MessageID
		notification.From = FormatAddressList(hdr.From)
		notification.Subject = hdr.Subject
		for _, a := range hdr.To {
			notification.To = append(notification.To, a.String())
		}
		if !hdr.Date.IsZero() {
			notification.Date = hdr.Date.Format(time.RFC3339)
		}
	}
	notifData, _ := json.Marshal(notification)
	fmt.Fprintln(w.opts.Notify, string(notifData))

	key := watchKey(info)
	if w.opts.HandlerCmd == "" {
		w.status(WatchStatus{
			Type:    "process",
			Level:   "info",
			Message: fmt.Sprintf("No handler configured, marking message %d as processed", info.Index),
			UID:     info.UID,
		})
		w.processed[key] = true
		return w.deleteIfRequested(info)
	}

	exitCode, err := runHandler(w.opts.HandlerCmd, bytes.NewReader(raw), w.opts.Status)
	if err != nil {
		return fmt.Errorf("handler failed: %w", err)
	}
	if exitCode != 0 {
		w.status(WatchStatus{
			Type:    "process",
			Level:   "warn",
			Message: fmt.Sprintf("Handler exited with code %d, message %d will be retried", exitCode, info.Index),
			UID:     info.UID,
		})
		return nil
	}

	w.status(WatchStatus{
		Type:    "process",
		Level:   "info",
		Message: fmt.Sprintf("Handler succeeded for message %d", info.Index),
		UID:     info.UID,
	})
	w.processed[key] = true
	return w.deleteIfRequested(info)
}

func (w *watcher) deleteIfRequested(info MailInfo) error {
	if !w.opts.Delete {
		return nil
	}
	if err := w.r.Delete(info.Index); err != nil {
		return fmt.Errorf("failed to delete message %d: %w", info.Index, err)
	}
	w.status(WatchStatus{
		Type:    "delete",
		Level:   "info",
		Message: fmt.Sprintf("Marked message %d for deletion", info.Index),
		UID:     info.UID,
	})
	return nil
}

// runHandler executes the handler program, streaming emailReader into the
// process's stdin through an OS pipe. The handler's own output goes to out.
func runHandler(cmd string, emailReader io.Reader, out io.Writer) (int, error) {
	// Use sh -c to wrap the command, supporting spaces and quotes in paths/args
	cmdObj := exec.Command("sh", "-c", cmd)
	cmdObj.Stdout = out
	cmdObj.Stderr = out

	stdinPipe, err := cmdObj.StdinPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmdObj.Start(); err != nil {
		return 0, fmt.Errorf("failed to start handler: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, werr := io.Copy(stdinPipe, emailReader)
		stdinPipe.Close() // signals EOF to the handler
		writeErr <- werr
	}()

	waitErr := cmdObj.Wait()

	// Prefer the process exit error; surface write errors only if the
	// process itself succeeded (e.g. broken pipe is expected when the
	// handler exits early).
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, waitErr
	}

	if wErr := <-writeErr; wErr != nil {
		return 1, fmt.Errorf("failed writing to handler stdin: %w", wErr)
	}

	return 0, nil
}
