package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/session"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

type chatOptions struct {
	sessionID string
	model     string
	agent     string
	system    string
	reasoning bool
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	chatOpts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the agent from the terminal",
		Long: `Send prompts to the agent and stream its replies. With a prompt argument a
single exchange runs and the command exits; otherwise prompts are read line by
line until EOF or /quit.

Questions from the agent are asked inline. Answer with option numbers
separated by commas, free text, or an empty line to dismiss the question.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			// Logs go to stderr so they do not interleave with the reply.
			if cfg.Logging.OutputPath == "" || cfg.Logging.OutputPath == "stdout" {
				cfg.Logging.OutputPath = "stderr"
			}
			if cfg.Logging.Level == "info" {
				cfg.Logging.Level = "warn"
			}
			log, err := provideLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client := session.NewClient(provideAgentClient(cfg, log), sessionConfig(cfg), log)
			defer client.Close()

			term := newTerminal(client, cmd.InOrStdin(), cmd.OutOrStdout(), chatOpts, log)
			if len(args) > 0 {
				return term.turn(ctx, strings.Join(args, " "))
			}
			return term.loop(ctx)
		},
	}
	cmd.Flags().StringVar(&chatOpts.sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&chatOpts.model, "model", "", "model as provider/model")
	cmd.Flags().StringVar(&chatOpts.agent, "agent", "", "agent to run the prompt with")
	cmd.Flags().StringVar(&chatOpts.system, "system", "", "system prompt override")
	cmd.Flags().BoolVar(&chatOpts.reasoning, "reasoning", false, "print reasoning parts")
	return cmd
}

type exchangeError struct {
	err     error
	partial session.Result
}

// terminal renders exchanges as text. Callbacks only queue notifications;
// the goroutine running turn does all reads and writes.
type terminal struct {
	client *session.Client
	opts   *chatOptions
	out    io.Writer
	lines  <-chan string
	notes  chan any
	logger *logger.Logger

	printed    map[string]int
	toolStatus map[string]session.ToolStatus
}

func newTerminal(client *session.Client, in io.Reader, out io.Writer, opts *chatOptions, log *logger.Logger) *terminal {
	t := &terminal{
		client:     client,
		opts:       opts,
		out:        out,
		lines:      scanLines(in),
		notes:      make(chan any, 256),
		logger:     log,
		printed:    make(map[string]int),
		toolStatus: make(map[string]session.ToolStatus),
	}
	client.SetCallbacks(t.callbacks())
	return t
}

func scanLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (t *terminal) callbacks() session.Callbacks {
	return session.Callbacks{
		OnPartUpdated: func(_ string, part session.Part) { t.notes <- part },
		OnComplete:    func(res session.Result) { t.notes <- res },
		OnError:       func(err error, partial session.Result) { t.notes <- exchangeError{err: err, partial: partial} },
		OnQuestion:    func(q opencode.PendingQuestion) { t.notes <- q },
		OnTodosUpdated: func(todos []opencode.Todo) {
			t.notes <- todos
		},
	}
}

func (t *terminal) loop(ctx context.Context) error {
	for {
		fmt.Fprint(t.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-t.lines:
			if !ok {
				fmt.Fprintln(t.out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			info, err := t.client.CreateSession(ctx, "")
			if err != nil {
				fmt.Fprintf(t.out, "error: %v\n", err)
				continue
			}
			t.opts.sessionID = info.ID
			fmt.Fprintf(t.out, "[session %s]\n", info.ID)
			continue
		}

		if err := t.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(t.out, "error: %v\n", err)
		}
	}
}

// turn runs one exchange to its end.
func (t *terminal) turn(ctx context.Context, text string) error {
	req := session.ExchangeRequest{
		SessionID: t.opts.sessionID,
		Text:      text,
		Agent:     t.opts.agent,
		System:    t.opts.system,
	}
	if t.opts.model != "" {
		provider, model, ok := strings.Cut(t.opts.model, "/")
		if !ok || provider == "" || model == "" {
			return fmt.Errorf("model must be provider/model, got %q", t.opts.model)
		}
		req.Model = &opencode.ModelRef{ProviderID: provider, ModelID: model}
	}

	clear(t.printed)
	clear(t.toolStatus)
	if _, err := t.client.StartExchange(ctx, req, t.callbacks()); err != nil {
		return err
	}
	t.opts.sessionID = t.client.SessionID()

	for {
		select {
		case <-ctx.Done():
			_ = t.client.Abort(context.WithoutCancel(ctx))
			fmt.Fprintln(t.out, "\n[aborted]")
			return ctx.Err()
		case note := <-t.notes:
			switch n := note.(type) {
			case session.Part:
				t.renderPart(n)
			case []opencode.Todo:
				t.renderTodos(n)
			case opencode.PendingQuestion:
				if err := t.handleQuestion(ctx, n); err != nil {
					fmt.Fprintf(t.out, "\nerror: %v\n", err)
				}
			case session.Result:
				t.renderResult(n)
				return nil
			case exchangeError:
				fmt.Fprintln(t.out)
				return n.err
			}
		}
	}
}

func (t *terminal) renderPart(p session.Part) {
	switch {
	case p.Type == session.PartText || (p.Type == session.PartReasoning && t.opts.reasoning):
		seen := t.printed[p.ID]
		if len(p.Text) < seen {
			fmt.Fprintln(t.out)
			seen = 0
		}
		fmt.Fprint(t.out, p.Text[seen:])
		t.printed[p.ID] = len(p.Text)
	case p.Type == session.PartTool && p.Tool != nil:
		if t.toolStatus[p.ID] == p.Tool.Status {
			return
		}
		t.toolStatus[p.ID] = p.Tool.Status
		label := p.Tool.Name
		if p.Tool.Title != "" {
			label += ": " + p.Tool.Title
		}
		fmt.Fprintf(t.out, "\n[%s %s]\n", label, p.Tool.Status)
	}
}

func (t *terminal) renderTodos(todos []opencode.Todo) {
	fmt.Fprintln(t.out, "\n[todos]")
	for _, todo := range todos {
		mark := " "
		if todo.Status == "completed" {
			mark = "x"
		}
		fmt.Fprintf(t.out, "  [%s] %s\n", mark, todo.Content)
	}
}

func (t *terminal) renderResult(res session.Result) {
	fmt.Fprintln(t.out)
	switch {
	case res.Aborted:
		fmt.Fprintln(t.out, "[aborted]")
	case res.TimedOut:
		fmt.Fprintln(t.out, "[timed out, reply may be incomplete]")
	}
	if res.Tokens.Input > 0 || res.Tokens.Output > 0 {
		fmt.Fprintf(t.out, "[%d tokens in, %d out, $%.4f]\n", res.Tokens.Input, res.Tokens.Output, res.Cost)
	}
}

var errDismissed = errors.New("question dismissed")

func (t *terminal) handleQuestion(ctx context.Context, q opencode.PendingQuestion) error {
	answers, err := t.ask(ctx, q)
	if errors.Is(err, errDismissed) {
		return t.client.RejectQuestion(ctx, q.ID)
	}
	if err != nil {
		return err
	}
	return t.client.AnswerQuestion(ctx, q.ID, answers)
}

// ask prompts for every sub-question and collects one answer list each.
func (t *terminal) ask(ctx context.Context, q opencode.PendingQuestion) ([][]string, error) {
	answers := make([][]string, 0, len(q.Questions))
	for _, sq := range q.Questions {
		fmt.Fprintln(t.out)
		if sq.Header != "" {
			fmt.Fprintf(t.out, "[%s]\n", sq.Header)
		}
		fmt.Fprintln(t.out, sq.Prompt)
		for i, opt := range sq.Options {
			if opt.Description != "" {
				fmt.Fprintf(t.out, "  %d. %s - %s\n", i+1, opt.Label, opt.Description)
			} else {
				fmt.Fprintf(t.out, "  %d. %s\n", i+1, opt.Label)
			}
		}
		fmt.Fprint(t.out, "? ")

		var line string
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case l, ok := <-t.lines:
			if !ok {
				return nil, errDismissed
			}
			line = l
		}
		labels, custom := parseAnswer(sq, line)
		answer := session.ComposeAnswer(labels, custom)
		if len(answer) == 0 {
			return nil, errDismissed
		}
		answers = append(answers, answer)
	}
	return answers, nil
}

// parseAnswer reads "1,3" as option labels and anything else as custom text.
// A single label is kept when the sub-question does not allow several.
func parseAnswer(sq opencode.SubQuestion, line string) ([]string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ""
	}
	var labels []string
	for field := range strings.SplitSeq(line, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || n < 1 || n > len(sq.Options) {
			return nil, line
		}
		labels = append(labels, sq.Options[n-1].Label)
	}
	if !sq.AllowMultiple && len(labels) > 1 {
		labels = labels[:1]
	}
	return labels, ""
}
