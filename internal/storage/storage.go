// Package storage はアップロードされたドキュメント原本の保存先を抽象化します。
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	// ErrNotFound は指定キーのオブジェクトが存在しない場合に返されます。
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey はキーが不正（空、絶対パス、親ディレクトリ参照）な場合に返されます。
	ErrInvalidKey = errors.New("invalid object key")
)

// Storage はドキュメント原本の保存・取得・削除を行います。
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// DocumentKey はドキュメント原本の保存キーを返します。
func DocumentKey(documentID, filename string) string {
	return path.Join("documents", documentID, SanitizeFilename(filename))
}

// SanitizeFilename はパス区切りや制御文字を取り除いたファイル名を返します。
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "document"
	}
	return name
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}
