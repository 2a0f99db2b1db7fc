// Package publisher posts a task run's failure summary to a GitHub pull
// request or issue as a comment, when the CLI is invoked with
// --report-to-pr. It is entirely optional: a publish failure is logged and
// never turns a successful (or already-failed) run result into something
// worse.
package publisher

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/batect-run/batect/internal/engine"
)

// SummaryMarker tags comments this package posted, so a later run updates
// its own comment instead of leaving a trail of duplicates.
const SummaryMarker = "<!-- batect-run-summary -->"

// Target identifies the pull request or issue to comment on.
type Target struct {
	Owner  string
	Repo   string
	Number int
}

// ParseTarget parses the CLI's --report-to-pr value, "<owner>/<repo>#<number>".
func ParseTarget(ref string) (Target, error) {
	ownerRepo, numStr, found := strings.Cut(ref, "#")
	if !found {
		return Target{}, fmt.Errorf("publisher: %q is not in <owner>/<repo>#<number> form", ref)
	}
	owner, repo, found := strings.Cut(ownerRepo, "/")
	if !found || owner == "" || repo == "" {
		return Target{}, fmt.Errorf("publisher: %q is not in <owner>/<repo>#<number> form", ref)
	}
	number, err := strconv.Atoi(numStr)
	if err != nil || number <= 0 {
		return Target{}, fmt.Errorf("publisher: %q does not end in a positive issue/PR number", ref)
	}
	return Target{Owner: owner, Repo: repo, Number: number}, nil
}

// Publisher posts run summaries via the GitHub REST API.
type Publisher struct {
	client *github.Client
	log    *zap.SugaredLogger
}

// New constructs a Publisher authenticated with token.
func New(token string, log *zap.SugaredLogger) *Publisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Publisher{client: github.NewClient(oauth2.NewClient(context.Background(), ts)), log: log}
}

// PublishFailure posts (or updates) a summary comment describing a failed
// task run: the task name, exit code, the first failure event, and the tail
// of the event log. Errors are returned to the caller, which per §4.9 must
// log them rather than treat them as engine failures.
func (p *Publisher) PublishFailure(ctx context.Context, target Target, taskName string, result engine.Result) error {
	body := fmt.Sprintf("%s\n%s", SummaryMarker, renderSummary(taskName, result))

	existing, err := p.findExistingComment(ctx, target)
	if err != nil {
		return fmt.Errorf("publisher: finding existing summary comment: %w", err)
	}

	if existing != nil {
		if _, _, err := p.client.Issues.EditComment(ctx, target.Owner, target.Repo, existing.GetID(), &github.IssueComment{Body: &body}); err != nil {
			return fmt.Errorf("publisher: updating summary comment: %w", err)
		}
		p.log.Infow("updated failure summary comment", "owner", target.Owner, "repo", target.Repo, "number", target.Number)
		return nil
	}

	if _, _, err := p.client.Issues.CreateComment(ctx, target.Owner, target.Repo, target.Number, &github.IssueComment{Body: &body}); err != nil {
		return fmt.Errorf("publisher: creating summary comment: %w", err)
	}
	p.log.Infow("posted failure summary comment", "owner", target.Owner, "repo", target.Repo, "number", target.Number)
	return nil
}

func (p *Publisher) findExistingComment(ctx context.Context, target Target) (*github.IssueComment, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var mostRecent *github.IssueComment
	for {
		comments, resp, err := p.client.Issues.ListComments(ctx, target.Owner, target.Repo, target.Number, opts)
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			if strings.Contains(c.GetBody(), SummaryMarker) {
				if mostRecent == nil || c.GetID() > mostRecent.GetID() {
					mostRecent = c
				}
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return mostRecent, nil
}

func renderSummary(taskName string, result engine.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Task `%s` failed** (exit code %d)\n\n", taskName, result.ExitCode)

	first, ok := firstFailure(result.Events)
	if ok {
		fmt.Fprintf(&b, "First failure: `%s`", first.Kind.String())
		if first.Container != "" {
			fmt.Fprintf(&b, " (container `%s`)", first.Container)
		}
		if first.Reason != "" {
			fmt.Fprintf(&b, ": %s", first.Reason)
		}
		b.WriteString("\n\n")
	}

	b.WriteString("<details><summary>Event log</summary>\n\n```\n")
	for _, e := range tail(result.Events, 50) {
		fmt.Fprintf(&b, "%s", e.Kind.String())
		if e.Container != "" {
			fmt.Fprintf(&b, " container=%s", e.Container)
		}
		if e.Reason != "" {
			fmt.Fprintf(&b, " reason=%q", e.Reason)
		}
		b.WriteString("\n")
	}
	b.WriteString("```\n</details>\n")
	return b.String()
}

func firstFailure(events []engine.Event) (engine.Event, bool) {
	for _, e := range events {
		if e.IsFailure() {
			return e, true
		}
	}
	return engine.Event{}, false
}

func tail(events []engine.Event, n int) []engine.Event {
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}
