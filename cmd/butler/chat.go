package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kestrelhq/butler/internal/butler"
	"github.com/kestrelhq/butler/internal/permission"
	"github.com/kestrelhq/butler/internal/session"
	"github.com/kestrelhq/butler/pkg/models"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session with the butler.

Type a request and press enter. Delegated work that needs your approval
pauses and asks inline; destructive actions print a one-time token you
must type back to confirm. Type "exit" or press Ctrl-C to end the
session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

// stdinMu serializes stdin access between the chat loop and the inline
// approver. The chat loop is blocked inside IngestTurn whenever the
// approver needs input, so the two never contend in practice.
var stdinMu sync.Mutex

func runChat() error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := app.Sessions.Start(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer app.Sessions.Terminate(context.Background(), sess.ID, "chat ended")

	reader := bufio.NewReader(os.Stdin)
	go approverLoop(app.Engine, reader)

	color.New(color.FgCyan).Printf("Session %s started. Type a request, or \"exit\" to quit.\n", sess.ID[:8])

	for {
		fmt.Print("> ")
		line, err := readLine(reader)
		if err != nil {
			return nil
		}
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return nil
		}

		reply, err := app.Sessions.IngestTurn(ctx, sess.ID, text)
		if err != nil {
			if errors.Is(err, session.ErrSessionTerminated) {
				color.New(color.FgYellow).Println("Session expired; starting a fresh one.")
				sess, err = app.Sessions.Start(ctx)
				if err != nil {
					return fmt.Errorf("start replacement session: %w", err)
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			color.New(color.FgRed).Printf("error: %v\n", err)
			continue
		}

		printReply(reply)
	}
}

// approverLoop answers confirmation requests inline on the terminal.
func approverLoop(engine *permission.Engine, reader *bufio.Reader) {
	for req := range engine.Approvals().RequestCh() {
		resp := promptForApproval(req, reader)
		engine.Approvals().SubmitResponse(resp)
	}
}

func promptForApproval(req permission.ConfirmationRequest, reader *bufio.Reader) permission.ConfirmationResponse {
	fmt.Println()
	if req.Tier == models.TierDestructive {
		color.New(color.FgRed, color.Bold).Printf("DESTRUCTIVE action requested: %s\n", req.ToolName)
	} else {
		color.New(color.FgYellow).Printf("Approval needed: %s\n", req.ToolName)
	}
	if len(req.Arguments) > 0 {
		fmt.Printf("  arguments: %s\n", string(req.Arguments))
	}

	if req.Tier == models.TierDestructive {
		color.New(color.FgRed).Printf("  type %s to confirm, anything else to deny: ", req.Token)
		line, err := readLine(reader)
		if err != nil {
			return permission.ConfirmationResponse{ToolCallID: req.ToolCallID, Approved: false, Reason: "input closed"}
		}
		answer := strings.TrimSpace(line)
		return permission.ConfirmationResponse{
			ToolCallID: req.ToolCallID,
			Approved:   answer == req.Token,
			Token:      answer,
		}
	}

	fmt.Print("  approve? [y/N]: ")
	line, err := readLine(reader)
	if err != nil {
		return permission.ConfirmationResponse{ToolCallID: req.ToolCallID, Approved: false, Reason: "input closed"}
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return permission.ConfirmationResponse{
		ToolCallID: req.ToolCallID,
		Approved:   answer == "y" || answer == "yes",
	}
}

func readLine(reader *bufio.Reader) (string, error) {
	stdinMu.Lock()
	defer stdinMu.Unlock()
	return reader.ReadString('\n')
}

func printReply(reply *butler.Reply) {
	switch reply.Reason {
	case butler.ReasonOK:
		fmt.Println(reply.Text)
	case butler.ReasonDegraded:
		color.New(color.FgYellow).Println(reply.Text)
	default:
		fmt.Println(reply.Text)
		color.New(color.FgHiBlack).Printf("(%s)\n", reply.Reason)
	}
}
