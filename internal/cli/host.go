package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"live-quiz-sync/internal/app"
	"live-quiz-sync/internal/domain"
	"live-quiz-sync/internal/infra/file"
)

type hostFlags struct {
	name          string
	questionsPath string
	quizID        string
}

func newHostCmd(root *rootOptions) *cobra.Command {
	flags := &hostFlags{}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a quiz session and drive it from stdin",
		Long: "Starts a session, publishes the questions from --questions or the question bank (--quiz)\n" +
			"and then reads commands: next, leaderboard, status, end.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), root, flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.name, "name", "", "host display name")
	cmd.Flags().StringVar(&flags.questionsPath, "questions", "", "YAML file with the questions to publish")
	cmd.Flags().StringVar(&flags.quizID, "quiz", "", "quiz id in the question bank")
	cmd.MarkFlagsMutuallyExclusive("questions", "quiz")
	cmd.MarkFlagsOneRequired("questions", "quiz")
	return cmd
}

func runHost(ctx context.Context, root *rootOptions, flags *hostFlags, in io.Reader, out io.Writer) error {
	d, err := openDeps(ctx, root.cfg)
	if err != nil {
		return err
	}
	defer d.close()

	quiz, err := loadQuiz(ctx, d, flags)
	if err != nil {
		return err
	}
	local, err := d.localStore()
	if err != nil {
		return err
	}
	timer := d.timer()
	defer timer.Stop()

	host := app.NewHostController(d.backend, d.bus, timer, local, app.HostOptions{EmitSessionEnded: root.cfg.SessionEndedEnabled()})
	code, err := host.StartSession(ctx, domain.Host{Name: flags.name, QuizID: quiz.ID})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session code: %s\n", code)

	if err := host.PublishQuiz(ctx, quiz.Questions); err != nil {
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			fmt.Fprintf(out, "invalid questions at %v\n", invalid.Indices)
		}
		_ = host.EndSession(ctx)
		return err
	}
	printHostStatus(out, host.Status())
	return hostConsole(ctx, host, in, out)
}

func loadQuiz(ctx context.Context, d *deps, flags *hostFlags) (domain.QuizSet, error) {
	if flags.questionsPath != "" {
		return file.LoadQuestions(flags.questionsPath)
	}
	source, err := d.quizSource()
	if err != nil {
		return domain.QuizSet{}, err
	}
	return source.LoadQuiz(ctx, flags.quizID)
}

// hostConsole reads host commands until end or EOF. EOF ends the session too.
func hostConsole(ctx context.Context, host *app.HostController, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(scanner.Text()))
		var err error
		switch cmd {
		case "":
			continue
		case "next", "n":
			err = host.Advance(ctx)
		case "leaderboard", "lb":
			err = host.RequestLeaderboard(ctx)
		case "status", "s":
		case "end", "quit", "q":
			return endSession(ctx, host, out)
		default:
			fmt.Fprintln(out, "commands: next, leaderboard, status, end")
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			log.Debug().Err(err).Str("command", cmd).Msg("host command failed")
			continue
		}
		printHostStatus(out, host.Status())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return endSession(ctx, host, out)
}

func endSession(ctx context.Context, host *app.HostController, out io.Writer) error {
	code := host.Status().SessionCode
	if err := host.EndSession(ctx); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		return err
	}
	fmt.Fprintf(out, "session %s ended\n", code)
	return nil
}

func printHostStatus(out io.Writer, s app.HostStatus) {
	switch s.Phase {
	case domain.PhaseQuestion:
		fmt.Fprintf(out, "[%s] question %d/%d\n", s.SessionCode, s.CurrentIndex+1, s.QuestionCount)
	default:
		fmt.Fprintf(out, "[%s] %s\n", s.SessionCode, s.Phase)
	}
}
