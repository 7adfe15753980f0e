package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/cryptowealth/datahub/internal/core"
)

// osExit is replaced in tests.
var osExit = os.Exit

// ExitCodeFor maps a command error to a semantic exit code.
func ExitCodeFor(err error) foundry.ExitCode {
	var (
		rateLimited *core.RateLimitError
		timeout     *core.TimeoutError
		network     *core.NetworkError
		status      *core.HTTPStatusError
		failed      *core.FailedError
		validation  *core.ValidationError
		cfgErr      *configError
	)
	switch {
	case err == nil:
		return foundry.ExitCode(0)
	case stderrors.As(err, &cfgErr):
		return foundry.ExitConfigInvalid
	case stderrors.As(err, &validation):
		return foundry.ExitConfigInvalid
	case stderrors.As(err, &rateLimited), stderrors.As(err, &timeout), stderrors.As(err, &network),
		stderrors.As(err, &status), stderrors.As(err, &failed), stderrors.Is(err, core.ErrDataUnavailable):
		return foundry.ExitExternalServiceUnavailable
	case stderrors.Is(err, errNoPersistentStore), stderrors.Is(err, errNoSnapshot):
		return foundry.ExitConfigInvalid
	case stderrors.Is(err, os.ErrNotExist):
		return foundry.ExitFileNotFound
	default:
		return foundry.ExitFailure
	}
}

// exitFields describes code and err for the structured log line. Envelopes
// contribute their code and correlation IDs; a rate-limit rejection
// contributes the upstream and retry hint.
func exitFields(info exitMeta, err error) []zap.Field {
	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
		if original, ok := envelope.Original.(error); ok && original != nil {
			err = original
		}
	}

	var rateLimited *core.RateLimitError
	if stderrors.As(err, &rateLimited) {
		fields = append(fields,
			zap.String("upstream", rateLimited.Upstream),
			zap.Duration("retry_after", rateLimited.RetryAfter),
		)
	}
	return append(fields, zap.Error(err))
}

// writeExit is the stderr rendering used when no logger is available.
func writeExit(w io.Writer, info exitMeta, msg string, err error) {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		fmt.Fprintf(w, "FATAL: %s\n", msg)
	case stderrors.As(err, &envelope):
		fmt.Fprintf(w, "FATAL: %s [%s]: %s\n", msg, envelope.Code, envelope.Message)
		if original, ok := envelope.Original.(error); ok && original != nil {
			fmt.Fprintf(w, "Underlying error: %v\n", original)
		}
	default:
		fmt.Fprintf(w, "FATAL: %s: %v\n", msg, err)
	}
	fmt.Fprintf(w, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
}

// exitMeta is the catalog entry for an exit code.
type exitMeta struct {
	Code        int
	Name        string
	Description string
	Category    string
}

func exitInfo(code foundry.ExitCode) exitMeta {
	if info, ok := foundry.GetExitCodeInfo(code); ok {
		return exitMeta{Code: info.Code, Name: info.Name, Description: info.Description, Category: info.Category}
	}
	return exitMeta{Code: int(code), Name: "UNKNOWN", Description: "unregistered exit code"}
}

// ExitWithCode logs err with exit code metadata and exits. A nil logger
// falls back to stderr.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info := exitInfo(exitCode)
	if logger != nil {
		logger.Error(msg, exitFields(info, err)...)
	} else {
		writeExit(os.Stderr, info, msg, err)
	}
	osExit(info.Code)
}

// ExitWithCodeStderr writes to stderr without a logger, for failures before
// logger initialization and for errors returned from Execute.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info := exitInfo(exitCode)
	writeExit(os.Stderr, info, msg, err)
	osExit(info.Code)
}
