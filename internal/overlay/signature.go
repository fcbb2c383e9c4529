package overlay

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SignatureFile holds the hex SHA-256 of the rest of the pack directory.
const SignatureFile = "pack.sig"

// ComputeSignature hashes every regular file under dir except the signature
// file. Files are visited in sorted slash-path order and each contributes
// its relative path, a zero byte, its content and another zero byte.
func ComputeSignature(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == SignatureFile {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan pack: %w", err)
	}
	slices.Sort(files)

	h := sha256.New()
	for _, rel := range files {
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySignature reports whether the stored pack.sig matches the pack
// contents. A mismatch or a missing signature file is reported as false,
// not as an error; trust policy belongs to the caller. Errors are returned
// only when the pack itself cannot be read.
func VerifySignature(dir string) (bool, error) {
	stored, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("pack has no signature", "dir", dir)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read signature: %w", err)
	}

	computed, err := ComputeSignature(dir)
	if err != nil {
		return false, err
	}

	want := strings.ToLower(strings.TrimSpace(string(stored)))
	ok := subtle.ConstantTimeCompare([]byte(want), []byte(computed)) == 1
	if !ok {
		slog.Warn("pack signature mismatch", "dir", dir)
	}
	return ok, nil
}

// SignPack computes the pack signature and writes it to pack.sig.
func SignPack(dir string) (string, error) {
	sig, err := ComputeSignature(dir)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, SignatureFile), []byte(sig+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write signature: %w", err)
	}
	return sig, nil
}
