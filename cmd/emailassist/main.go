package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/config"
	"github.com/emailassist/emailassist/internal/email"
	"github.com/emailassist/emailassist/internal/history"
	"github.com/emailassist/emailassist/internal/inbox"
	"github.com/emailassist/emailassist/internal/template"
	"github.com/emailassist/emailassist/internal/token"
	"github.com/emailassist/emailassist/internal/tui"
	"github.com/emailassist/emailassist/internal/web"
)

var cfgFile string

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "emailassist",
		Short: "emailassist - classify emails and draft replies",
		Long: `emailassist sends email text to an assistant backend, which classifies
it and writes a reply.

Use it from a local web page, a terminal form, a one-shot command, or in
batches straight from an IMAP inbox.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.emailassist/config.yaml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tuiCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file",
		Long:  `Interactively write a config file pointing at your assistant backend.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func runInit(force bool) error {
	configPath := resolveConfigPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("emailassist configuration")
	fmt.Println("=========================")
	fmt.Println()

	cfg := config.Default()

	if url := prompt(reader, fmt.Sprintf("Backend URL [%s]: ", cfg.Backend.URL)); url != "" {
		cfg.Backend.URL = url
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Reply delivery (optional, leave blank to skip)")
	if from := prompt(reader, "  From address: "); from != "" {
		if err := email.ValidateEmail(from); err != nil {
			return err
		}
		cfg.Reply.From = from
		cfg.Reply.SMTP.Host = prompt(reader, "  SMTP host: ")
		cfg.Reply.SMTP.Port = 465
		cfg.Reply.SMTP.UseTLS = true
		cfg.Reply.SMTP.Username = from
		cfg.Reply.SMTP.Password = prompt(reader, "  SMTP password: ")
	}

	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuration saved to %s\n", configPath)
	fmt.Println("Next: run 'emailassist serve' and open the page, or 'emailassist submit'.")
	return nil
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(input)
}

func submitCmd() *cobra.Command {
	var file string
	var asJSON bool
	var sendTo string

	cmd := &cobra.Command{
		Use:   "submit [text]",
		Short: "Classify one email and print the reply",
		Long: `Send email text to the backend and print the category, reply and tokens used.

Text comes from the arguments, --file, or standard input.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readEmailText(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runSubmit(cmd.Context(), cmd.OutOrStdout(), text, asJSON, sendTo)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read email text from a file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the form state as JSON")
	cmd.Flags().StringVar(&sendTo, "send-to", "", "Email the generated reply to this address")

	return cmd
}

func readEmailText(args []string, file string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

func runSubmit(ctx context.Context, out io.Writer, text string, asJSON bool, sendTo string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if assistant.IsEmpty(text) {
		return fmt.Errorf("no email text given")
	}

	form := a.newForm(assistant.SourceCLI)
	form.SetEmailText(text)
	state, _ := form.Submit(ctx)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(state); err != nil {
			return err
		}
	} else if state.Error == "" {
		printState(out, state)
	}
	if state.Error != "" {
		return errors.New(state.Error)
	}

	if sendTo != "" {
		return deliverReply(ctx, a, state, sendTo)
	}
	return nil
}

func printState(out io.Writer, state assistant.State) {
	fmt.Fprintf(out, "Category: %s\n", state.Category)
	if state.TokensUsed != nil {
		fmt.Fprintf(out, "Tokens:   %d\n", *state.TokensUsed)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, state.Reply)
}

func deliverReply(ctx context.Context, a *app, state assistant.State, to string) error {
	if err := a.cfg.ValidateReply(); err != nil {
		return err
	}
	if err := email.ValidateEmail(to); err != nil {
		return err
	}
	sender, err := email.NewSender(a.cfg.Reply)
	if err != nil {
		return err
	}
	engine, err := template.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}

	subject, body := template.SplitSubject(state.EmailText)
	msg, err := engine.Render(a.cfg.Reply.Template, template.ReplyData{
		To:              to,
		OriginalSubject: subject,
		OriginalBody:    body,
		Reply:           state.Reply,
	})
	if err != nil {
		return err
	}

	result := sender.Send(ctx, email.Message{
		To:      to,
		From:    a.cfg.Reply.From,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if !result.Success {
		return fmt.Errorf("failed to send reply via %s: %w", sender.Name(), result.Error)
	}
	fmt.Printf("Reply sent to %s (%s)\n", to, result.MessageID)
	return nil
}

func serveCmd() *cobra.Command {
	var port int
	var open bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local web page",
		Long: `Start a local web server with the email assistant form.

The page lets you:
- Paste an email and get its category and a reply
- Send the reply by email
- Process your inbox in the background
- Review past submissions

The server listens on 127.0.0.1 only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, open)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config, 8080)")
	cmd.Flags().BoolVar(&open, "open", false, "Open the page in your browser")

	return cmd
}

func runServe(port int, open bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if port != 0 {
		a.cfg.Server.Port = port
	}

	replies, err := template.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}

	opts := []web.Option{web.WithObservers(a.observers...)}
	if err := a.cfg.ValidateReply(); err == nil {
		sender, err := email.NewSender(a.cfg.Reply)
		if err != nil {
			return err
		}
		opts = append(opts, web.WithSender(sender))
	} else {
		a.logger.Info("reply delivery disabled", zap.String("reason", err.Error()))
	}
	if a.cfg.Sessions.Redis.Addr != "" {
		snaps := web.NewRedisSnapshots(a.cfg.Sessions.Redis)
		if err := snaps.Ping(ctx); err != nil {
			a.logger.Warn("session snapshots disabled", zap.Error(err))
			snaps.Close()
		} else {
			opts = append(opts, web.WithSnapshots(snaps))
			a.closers = append(a.closers, func() { snaps.Close() })
		}
	}

	server, err := web.NewServer(a.cfg, a.backend, a.ledger, replies, a.logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	url := fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)
	fmt.Printf("emailassist is running at %s (backend %s)\n", url, a.backend.Endpoint())
	fmt.Println("Press Ctrl+C to stop")
	if open {
		openBrowser(url)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	_ = cmd.Start()
}

func tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the form in the terminal",
		Long:  `Type or paste an email, press ctrl+s to submit and esc to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return tui.Run(ctx, a.newForm(assistant.SourceTUI))
		},
	}
}

func inboxCmd() *cobra.Command {
	var max int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inbox <fetch|process|drafts|unread>",
		Short: "Process emails straight from your inbox",
		Long: `Connect to your inbox over IMAP and run the newest emails through the backend.

Modes:
  fetch    list the latest emails without submitting them
  process  classify the latest emails and print the replies
  drafts   like process, and save each reply as a draft
  unread   process unread emails, save drafts, then label and mark them read`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := inbox.ParseMode(args[0])
			if err != nil {
				return err
			}
			return runInbox(cmd.Context(), mode, max, asJSON)
		},
	}

	cmd.Flags().IntVar(&max, "max", 0, "Maximum emails to handle (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}

func runInbox(ctx context.Context, mode inbox.Mode, max int, asJSON bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.ValidateInbox(); err != nil {
		return err
	}
	if max <= 0 {
		max = a.cfg.Inbox.MaxResults
	}

	replies, err := template.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}

	monitor := inbox.NewMonitor(a.cfg.Inbox, a.logger)
	fmt.Printf("Connecting to %s...\n", a.cfg.Inbox.Server)
	if err := monitor.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer monitor.Disconnect()

	proc := inbox.NewProcessor(monitor, a.backend, replies, a.logger,
		inbox.WithObservers(a.observers...),
		inbox.WithReplyTemplate(a.cfg.Reply.Template),
		inbox.WithProcessedLabel(a.cfg.Inbox.ProcessedLabel),
		inbox.WithAutomated(a.cfg.Inbox.IncludeAutomated),
	)
	if !asJSON {
		proc.OnProgress = func(done, total int, item inbox.Item) {
			fmt.Printf("  [%d/%d] %s\n", done, total, item.Subject)
		}
	}

	report, err := proc.Run(ctx, mode, max)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(os.Stdout, report)
	return nil
}

func printReport(out io.Writer, report *inbox.Report) {
	fmt.Fprintln(out)
	for _, item := range report.Items {
		fmt.Fprintf(out, "From:    %s\nSubject: %s\n", item.From, item.Subject)
		switch {
		case item.Error != "":
			fmt.Fprintf(out, "Error:   %s\n", item.Error)
		case item.Skipped != "":
			fmt.Fprintf(out, "Skipped: %s\n", item.Skipped)
		case item.Category != "":
			fmt.Fprintf(out, "Category: %s\n", item.Category)
			if item.TokensUsed != nil {
				fmt.Fprintf(out, "Tokens:   %d\n", *item.TokensUsed)
			}
			if item.DraftCreated {
				fmt.Fprintln(out, "Draft saved")
			}
			fmt.Fprintf(out, "\n%s\n", item.Reply)
		}
		fmt.Fprintln(out, strings.Repeat("-", 40))
	}
	fmt.Fprintf(out, "%s: %d processed, %d failed, %d skipped\n",
		report.Mode, report.Processed, report.Failed, report.Skipped)
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of submissions to show")

	return cmd
}

func runHistory(ctx context.Context, limit int) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.ledger.Stats(ctx)
	if err != nil {
		return err
	}
	records, err := a.ledger.Recent(ctx, limit)
	if err != nil {
		return err
	}

	fmt.Println("Submission history")
	fmt.Println("==================")
	fmt.Printf("Total: %d  Succeeded: %d  Failed: %d  Tokens: %d\n",
		stats.Total, stats.Succeeded, stats.Failed, stats.TokensUsed)
	for _, cc := range stats.ByCategory {
		fmt.Printf("  %-20s %d\n", cc.Category, cc.Count)
	}
	fmt.Println()

	if len(records) == 0 {
		fmt.Println("No submissions yet.")
		return nil
	}
	for _, r := range records {
		outcome := r.Category
		if r.Status() == history.StatusFailed {
			outcome = "error: " + r.Error
		}
		fmt.Printf("%s  %-6s %-5s %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Source, durationLabel(r.DurationMs), outcome)
	}
	return nil
}

func durationLabel(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the JSON API",
		Long:  `Sign a token with server.api_secret for use as "Authorization: Bearer <token>".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Server.APISecret == "" {
				return fmt.Errorf("server.api_secret is not set; the API is open")
			}
			if ttl == 0 {
				ttl = time.Duration(cfg.Server.TokenTTLHours) * time.Hour
			}
			tok, err := token.Generate(subject, cfg.Server.APISecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default from config)")

	return cmd
}
