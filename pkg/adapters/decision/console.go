package decision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aescanero/stepflow/pkg/domain"
	"golang.org/x/term"
)

// ErrNotTerminal is returned when a console source is requested without a TTY
var ErrNotTerminal = errors.New("standard input is not a terminal")

// Console asks an operator to approve each request on a terminal.
// Answers starting with y approve; anything else denies, and text after
// the first word becomes the reason.
type Console struct {
	in    *bufio.Reader
	out   io.Writer
	actor string

	mu sync.Mutex
}

// NewConsole reads answers from in and writes prompts to out
func NewConsole(in io.Reader, out io.Writer, actor string) *Console {
	if actor == "" {
		actor = "console"
	}
	return &Console{in: bufio.NewReader(in), out: out, actor: actor}
}

// NewStdConsole prompts on stdin/stdout, failing when stdin is not a terminal
func NewStdConsole(actor string) (*Console, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNotTerminal
	}
	if actor == "" {
		if user := os.Getenv("USER"); user != "" {
			actor = "console:" + user
		}
	}
	return NewConsole(os.Stdin, os.Stdout, actor), nil
}

// Decide prints the request and waits for an answer
func (c *Console) Decide(ctx context.Context, req domain.ApprovalRequest) (domain.ApprovalDecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\nApproval required [%s] step %s (%s)\n", req.ApprovalType, req.StepName, req.StepID)
	if req.Summary != "" {
		fmt.Fprintf(c.out, "  %s\n", req.Summary)
	}
	if len(req.PolicyTags) > 0 {
		fmt.Fprintf(c.out, "  policy tags: %s\n", strings.Join(req.PolicyTags, ", "))
	}
	fmt.Fprint(c.out, "Approve? [y/N] ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	var a answer
	select {
	case <-ctx.Done():
		return domain.ApprovalDecision{}, ctx.Err()
	case a = <-ch:
	}
	if a.err != nil && !(errors.Is(a.err, io.EOF) && a.line != "") {
		return domain.ApprovalDecision{}, fmt.Errorf("failed to read answer: %w", a.err)
	}

	return parseAnswer(a.line, c.actor), nil
}

func parseAnswer(line, actor string) domain.ApprovalDecision {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "y", "yes":
		return domain.ApprovalDecision{Approved: true, Reason: strings.TrimSpace(rest), ActorID: actor}
	}
	reason := strings.TrimSpace(rest)
	if reason == "" {
		reason = "denied at console"
	}
	return domain.ApprovalDecision{Approved: false, Reason: reason, ActorID: actor}
}
