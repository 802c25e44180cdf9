package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "資料ファイルをコースにアップロード",
		ArgsUsage: "FILE...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "course", Usage: "コース ID", Required: true},
		},
		Action: uploadAction,
	}
}

func uploadAction(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("アップロードするファイルを指定してください")
	}
	c, _, err := connect(ctx, cmd)
	if err != nil {
		return err
	}

	courseID := cmd.String("course")
	w := cmd.Root().Writer
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("ファイルを開けません: %w", err)
		}
		doc, err := c.UploadDocument(ctx, courseID, filepath.Base(path), f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s のアップロードに失敗: %w", path, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d tokens\n", doc.ID, doc.Filename, doc.Format, doc.TokenCount)
	}
	return nil
}
