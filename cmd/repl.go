package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/parley0/parley/internal/orchestrator"
	"github.com/parley0/parley/internal/persona"
)

const banner = `parley %s — type /help for commands
`

// runREPL drives the interactive read-eval-print loop until /exit, EOF,
// or context cancellation.
func runREPL(ctx context.Context, eng *engine, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, banner, AppVersion)

	personaID := eng.cfg.Persona
	chatID := eng.conv.ChatID().String()

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, newChatID := handleCommand(out, line, &personaID)
			if quit {
				return nil
			}
			if newChatID {
				chatID = ""
			}
			continue
		}

		err := eng.orch.Respond(ctx, orchestrator.Turn{
			Text:      line,
			ChatID:    chatID,
			PersonaID: personaID,
		}, func(chunk string) bool {
			fmt.Fprint(out, chunk)
			return ctx.Err() == nil
		})
		fmt.Fprintln(out)

		var te *orchestrator.TurnError
		if err != nil && !errors.As(err, &te) {
			return err
		}
		// Classified turn errors were already rendered through the sink;
		// the session continues.

		chatID = eng.conv.ChatID().String()
	}
}

// handleCommand processes a slash command. quit ends the session;
// newChat forces the next turn to start a fresh transcript.
func handleCommand(out io.Writer, line string, personaID *string) (quit, newChat bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/exit", "/quit":
		fmt.Fprintln(out, "bye")
		return true, false

	case "/new":
		fmt.Fprintln(out, "started a new chat")
		return false, true

	case "/persona":
		if arg == "" {
			fmt.Fprintf(out, "current persona: %s\n", *personaID)
			return false, false
		}
		if _, ok := persona.Lookup(arg); !ok {
			fmt.Fprintf(out, "unknown persona %q\n", arg)
			return false, false
		}
		*personaID = arg
		fmt.Fprintf(out, "persona set to %s (applies to the next chat)\n", arg)
		return false, true

	case "/help":
		fmt.Fprintln(out, "commands: /new, /persona <id>, /help, /exit")
		return false, false

	default:
		fmt.Fprintf(out, "unknown command %q, try /help\n", cmd)
		return false, false
	}
}
