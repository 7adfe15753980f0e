package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cryptowealth/datahub/internal/output"
)

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeFilename(value string) string {
	clean := nonFilename.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	if clean = strings.Trim(clean, "-."); clean == "" {
		return "output"
	}
	return clean
}

// addOutputFlags registers --output-format, --out and --out-dir.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|yaml")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to <dir>/<command>.<ext>")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// outputTarget is where one command result goes. An empty path is stdout.
type outputTarget struct {
	format output.Format
	path   string
}

// resolveOutput reads the output flags. With --out-dir the file is named
// after name and the format extension.
func resolveOutput(cmd *cobra.Command, name string) (outputTarget, error) {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return outputTarget{}, err
	}
	out, _ := cmd.Flags().GetString("out")
	dir, _ := cmd.Flags().GetString("out-dir")
	out, dir = strings.TrimSpace(out), strings.TrimSpace(dir)

	switch {
	case out != "" && dir != "":
		return outputTarget{}, errors.New("--out and --out-dir are mutually exclusive")
	case dir != "":
		return outputTarget{format: format, path: filepath.Join(dir, sanitizeFilename(name)+"."+format.Extension())}, nil
	case out == "-":
		return outputTarget{format: format}, nil
	default:
		return outputTarget{format: format, path: out}, nil
	}
}

// open returns the writer for t, creating parent directories for files.
func (t outputTarget) open(stdout io.Writer) (io.Writer, func() error, error) {
	if t.path == "" {
		return stdout, func() error { return nil }, nil
	}
	// #nosec G301 -- report directories are shared with other tooling
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(t.path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// writeOutput renders value to the target selected by the output flags.
func writeOutput(cmd *cobra.Command, name string, value any) error {
	target, err := resolveOutput(cmd, name)
	if err != nil {
		return err
	}
	w, closeFn, err := target.open(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := output.Write(w, target.format, value); err != nil {
		_ = closeFn()
		return err
	}
	return closeFn()
}
