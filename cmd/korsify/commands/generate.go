package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/yourusername/korsify/internal/client"
	"github.com/yourusername/korsify/internal/jobs"
)

func waitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "wait", Usage: "ジョブが終了するまで進捗を表示"},
		&cli.DurationFlag{Name: "interval", Usage: "ポーリング間隔", Value: time.Second},
		&cli.DurationFlag{Name: "timeout", Usage: "待機の上限（0 で無制限）"},
	}
}

func generateCommand() *cli.Command {
	defaults := jobs.DefaultOptions()
	flags := []cli.Flag{
		&cli.StringFlag{Name: "course", Usage: "コース ID", Required: true},
		&cli.StringSliceFlag{Name: "doc", Usage: "資料 ID（複数指定可）", Required: true},
		&cli.StringFlag{Name: "difficulty", Usage: "beginner / intermediate / advanced / expert", Value: string(defaults.DifficultyLevel)},
		&cli.IntFlag{Name: "modules", Usage: "モジュール数 (1-6)", Value: defaults.ModuleCount},
		&cli.StringFlag{Name: "quiz-frequency", Usage: "module / lesson", Value: string(defaults.QuizFrequency)},
		&cli.IntFlag{Name: "questions", Usage: "クイズあたりの問題数 (1-10)", Value: defaults.QuestionsPerQuiz},
		&cli.BoolFlag{Name: "no-quizzes", Usage: "クイズを生成しない"},
		&cli.BoolFlag{Name: "no-exercises", Usage: "演習を含めない"},
		&cli.BoolFlag{Name: "no-examples", Usage: "例を含めない"},
	}
	return &cli.Command{
		Name:   "generate",
		Usage:  "コース生成ジョブを開始",
		Flags:  append(flags, waitFlags()...),
		Action: generateAction,
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "ジョブの状態を表示",
		ArgsUsage: "JOB_ID",
		Flags:     waitFlags(),
		Action:    statusAction,
	}
}

func optionsFromFlags(cmd *cli.Command) jobs.Options {
	return jobs.Options{
		DifficultyLevel:  jobs.DifficultyLevel(cmd.String("difficulty")),
		ModuleCount:      cmd.Int("modules"),
		GenerateQuizzes:  !cmd.Bool("no-quizzes"),
		QuizFrequency:    jobs.QuizFrequency(cmd.String("quiz-frequency")),
		QuestionsPerQuiz: cmd.Int("questions"),
		IncludeExercises: !cmd.Bool("no-exercises"),
		IncludeExamples:  !cmd.Bool("no-examples"),
	}
}

func generateAction(ctx context.Context, cmd *cli.Command) error {
	opts := optionsFromFlags(cmd)
	if err := opts.Validate(); err != nil {
		return err
	}
	c, _, err := connect(ctx, cmd)
	if err != nil {
		return err
	}

	jobID, err := c.StartGeneration(ctx, client.StartGenerationInput{
		CourseID:    cmd.String("course"),
		DocumentIDs: cmd.StringSlice("doc"),
		Options:     &opts,
	})
	if err != nil {
		return fmt.Errorf("ジョブの開始に失敗: %w", err)
	}
	fmt.Fprintln(cmd.Root().Writer, jobID)

	if !cmd.Bool("wait") {
		return nil
	}
	return watch(ctx, cmd, c, jobID)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	jobID := cmd.Args().First()
	if jobID == "" {
		return fmt.Errorf("JOB_ID を指定してください")
	}
	c, _, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("wait") {
		return watch(ctx, cmd, c, jobID)
	}

	st, err := c.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	printStatus(cmd.Root().Writer, *st)
	return nil
}

// watch はジョブが終了するまで進捗を表示し、失敗やタイムアウトをエラーとして返します。
func watch(ctx context.Context, cmd *cli.Command, c *client.Client, jobID string) error {
	w := cmd.Root().Writer
	errW := cmd.Root().ErrWriter
	poller := client.NewPoller(c, client.PollerConfig{
		Interval: cmd.Duration("interval"),
		Timeout:  cmd.Duration("timeout"),
		OnUpdate: func(s jobs.StatusResponse) { printStatus(w, s) },
		OnError: func(err error) {
			fmt.Fprintf(errW, "warning: %v (retrying)\n", err)
		},
	})

	ch, err := poller.Watch(ctx, jobID)
	if err != nil {
		return err
	}
	outcome := <-ch
	switch {
	case outcome.Err == nil:
		fmt.Fprintln(w, "completed")
		return nil
	case errors.Is(outcome.Err, client.ErrPollTimeout):
		return fmt.Errorf("ジョブ %s はまだ終了していません: %w", jobID, outcome.Err)
	default:
		return outcome.Err
	}
}

func printStatus(w io.Writer, s jobs.StatusResponse) {
	phase := string(s.Phase)
	if phase == "" {
		phase = "-"
	}
	fmt.Fprintf(w, "%-10s %-18s %3d%%", s.Status, phase, s.Progress)
	if s.Error != "" {
		fmt.Fprintf(w, "  %s: %s", s.ErrorKind, s.Error)
	}
	fmt.Fprintln(w)
}
