package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/session"
)

type joinFlags struct {
	name    string
	code    string
	restore bool
}

func newJoinCmd(root *rootOptions) *cobra.Command {
	flags := &joinFlags{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a quiz session and answer from stdin",
		Long: "Joins a session (or restores the persisted one with --restore), prints every view change\n" +
			"and reads commands: select <1-4>, answer [1-4], stats, status, leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), root, flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.name, "name", "", "display name")
	cmd.Flags().StringVar(&flags.code, "code", "", "session code")
	cmd.Flags().BoolVar(&flags.restore, "restore", false, "rejoin the session saved by a previous run")
	return cmd
}

func runJoin(ctx context.Context, root *rootOptions, flags *joinFlags, in io.Reader, out io.Writer) error {
	d, err := openDeps(ctx, root.cfg)
	if err != nil {
		return err
	}
	defer d.close()

	local, err := d.localStore()
	if err != nil {
		return err
	}
	client := app.NewParticipantClient(d.backend, d.bus, local, app.NewResyncer(d.backend, app.ResyncPolicy{}), app.ParticipantOptions{})

	var p domain.Participant
	if flags.restore {
		p, err = client.Restore(ctx)
	} else {
		p, err = client.Join(ctx, flags.name, strings.ToUpper(strings.TrimSpace(flags.code)))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "joined %s as %s\n", p.SessionCode, p.Name)
	return participantConsole(ctx, client, in, out)
}

// participantConsole prints view changes while reading commands. It returns
// after leave, on EOF (without leaving, so --restore can resume) or once the session ends.
func participantConsole(ctx context.Context, client *app.ParticipantClient, in io.Reader, out io.Writer) error {
	views, cancel, err := client.Watch()
	if err != nil {
		return err
	}

	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		var last session.View
		for v := range views {
			if line, changed := describeView(last, v); changed {
				printf("%s\n", line)
			}
			last = v
			if v.Phase == domain.PhaseEnded {
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-ended
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ended:
				return
			}
		}
	}()

	for {
		select {
		case <-ended:
			printf("session ended\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := participantCommand(ctx, client, line, printf)
			if err != nil {
				printf("error: %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

func participantCommand(ctx context.Context, client *app.ParticipantClient, line string, printf func(string, ...any)) (bool, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false, nil
	}
	view, err := client.View()
	if err != nil {
		return true, err
	}

	switch fields[0] {
	case "select", "answer", "a":
		if view.Question == nil {
			return false, domain.ErrNoQuestionInView
		}
		option, err := optionArg(fields, view)
		if err != nil {
			return false, err
		}
		if fields[0] == "select" {
			return false, client.Select(view.Question.ID, option)
		}
		if err := client.SubmitAnswer(ctx, view.Question.ID, option); err != nil {
			return false, err
		}
		printf("answered %s\n", option)
	case "stats":
		stats, err := client.RefreshUserStats(ctx)
		if err != nil {
			return false, err
		}
		printf("score %d, rank %d\n", stats.Score, stats.Rank)
	case "status", "s":
		if line, ok := describeView(session.View{}, view); ok {
			printf("%s\n", line)
		} else {
			printf("%s: %s\n", view.SessionCode, view.Phase)
		}
	case "leave", "quit", "q":
		return true, client.Leave(ctx)
	default:
		printf("commands: select <1-4>, answer [1-4], stats, status, leave\n")
	}
	return false, nil
}

// optionArg resolves "1".."4" (or option1..option4); answer without an
// argument submits the current selection.
func optionArg(fields []string, view session.View) (domain.OptionKey, error) {
	if len(fields) < 2 {
		if view.Selection != nil && view.Selection.QuestionID == view.Question.ID {
			return view.Selection.Option, nil
		}
		return "", fmt.Errorf("%w: pick an option", domain.ErrInvalidOption)
	}
	raw := strings.TrimPrefix(fields[1], "option")
	option := domain.OptionKey("option" + raw)
	if !view.Question.HasOption(option) {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidOption, fields[1])
	}
	return option, nil
}

// describeView renders the parts of next that differ from prev.
func describeView(prev, next session.View) (string, bool) {
	switch {
	case next.Phase == domain.PhaseEnded:
		return "quiz ended", prev.Phase != next.Phase
	case next.Phase == domain.PhaseLeaderboard:
		if prev.Phase == next.Phase && slices.Equal(prev.Leaderboard, next.Leaderboard) {
			return "", false
		}
		return "final standings:\n" + formatStandings(next.Leaderboard), true
	case next.Phase == domain.PhaseQuestion && next.Question != nil:
		q := next.Question
		if prev.Question == nil || prev.Question.ID != q.ID {
			var b strings.Builder
			fmt.Fprintf(&b, "question %d/%d: %s", next.CurrentIndex+1, next.QuestionCount, q.Text)
			for i, key := range q.Options() {
				fmt.Fprintf(&b, "\n  %d) %s", i+1, q.Option(key))
			}
			return b.String(), true
		}
		if next.TimeUp && !prev.TimeUp {
			return "time is up", true
		}
		if next.Remaining != nil && (prev.Remaining == nil || *prev.Remaining != *next.Remaining) && *next.Remaining%10 == 0 {
			return fmt.Sprintf("%ds left", *next.Remaining), true
		}
		if !slices.Equal(prev.Leaderboard, next.Leaderboard) {
			return "standings:\n" + formatStandings(next.Leaderboard), true
		}
	case next.Phase == domain.PhaseNotStarted:
		if len(next.Roster) != len(prev.Roster) {
			return fmt.Sprintf("waiting for the host, %d joined", len(next.Roster)), true
		}
	}
	return "", false
}

func formatStandings(entries []domain.LeaderboardEntry) string {
	if len(entries) == 0 {
		return "  (no scores yet)"
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("  %d. %s %d", e.Rank, e.Name, e.Score)
	}
	return strings.Join(lines, "\n")
}
