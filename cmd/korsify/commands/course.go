package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/yourusername/korsify/internal/client"
)

func courseCommand() *cli.Command {
	return &cli.Command{
		Name:  "course",
		Usage: "コース管理コマンド",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "空のコースを作成",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "コース名", Required: true},
					&cli.StringFlag{Name: "description", Usage: "説明"},
					&cli.StringFlag{Name: "difficulty", Usage: "beginner / intermediate / advanced / expert"},
				},
				Action: courseCreateAction,
			},
			{
				Name:      "show",
				Usage:     "コースとモジュール構成を表示",
				ArgsUsage: "COURSE_ID",
				Action:    courseShowAction,
			},
		},
	}
}

func courseCreateAction(ctx context.Context, cmd *cli.Command) error {
	c, _, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	course, err := c.CreateCourse(ctx, client.CreateCourseInput{
		Title:           cmd.String("title"),
		Description:     cmd.String("description"),
		DifficultyLevel: cmd.String("difficulty"),
	})
	if err != nil {
		return fmt.Errorf("コースの作成に失敗: %w", err)
	}
	fmt.Fprintln(cmd.Root().Writer, course.ID)
	return nil
}

func courseShowAction(ctx context.Context, cmd *cli.Command) error {
	courseID := cmd.Args().First()
	if courseID == "" {
		return fmt.Errorf("COURSE_ID を指定してください")
	}
	c, _, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	course, err := c.GetCourse(ctx, courseID)
	if err != nil {
		return fmt.Errorf("コースの取得に失敗: %w", err)
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "%s  %s  [%s]\n", course.ID, course.Title, course.Status)
	if course.LastError != "" {
		fmt.Fprintf(w, "  error: %s\n", course.LastError)
	}
	for _, m := range course.Modules {
		fmt.Fprintf(w, "  %d. %s (%d lessons)\n", m.Position, m.Title, len(m.Lessons))
		for _, l := range m.Lessons {
			fmt.Fprintf(w, "     - %s\n", l.Title)
		}
	}
	return nil
}
