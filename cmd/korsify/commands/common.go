// Package commands は korsify CLI のサブコマンドを定義します。
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/yourusername/korsify/internal/client"
)

// New は CLI のルートコマンドを作成します。
func New() *cli.Command {
	return &cli.Command{
		Name:  "korsify",
		Usage: "資料からコースを生成する Korsify API のクライアント",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "API サーバーの URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("KORSIFY_SERVER"),
			},
			&cli.StringFlag{
				Name:    "username",
				Usage:   "ログインユーザー名",
				Sources: cli.EnvVars("KORSIFY_USERNAME"),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "ログインパスワード",
				Sources: cli.EnvVars("KORSIFY_PASSWORD"),
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "1 リクエストあたりのタイムアウト",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			whoamiCommand(),
			courseCommand(),
			uploadCommand(),
			generateCommand(),
			statusCommand(),
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "ログインしてユーザー名と役割を表示",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, user, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "%s (%s)\n", user.Username, user.Role)
			return nil
		},
	}
}

// connect はクライアントを作成してログインします。
func connect(ctx context.Context, cmd *cli.Command) (*client.Client, *client.User, error) {
	root := cmd.Root()
	username := root.String("username")
	password := root.String("password")
	if username == "" || password == "" {
		return nil, nil, fmt.Errorf("--username と --password（または KORSIFY_USERNAME / KORSIFY_PASSWORD）を指定してください")
	}

	c := client.New(root.String("server"), client.WithTimeout(root.Duration("request-timeout")))
	user, err := c.Login(ctx, username, password)
	if err != nil {
		return nil, nil, fmt.Errorf("ログインに失敗: %w", err)
	}
	return c, user, nil
}
