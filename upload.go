package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mytardis/mydata-go/internal/config"
	"github.com/mytardis/mydata-go/internal/mytardis"
	"github.com/mytardis/mydata-go/internal/pipeline"
	"github.com/mytardis/mydata-go/internal/staging"
)

// errUploadsFailed signals a partially failed run; main() maps it to a
// non-zero exit without the generic error banner.
var errUploadsFailed = errors.New("some files were not uploaded")

// fakeMD5Sum is the placeholder digest submitted when checksum computation
// is disabled in the config. Records carrying it can never verify.
const fakeMD5Sum = "00000000000000000000000000000000"

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Verify and upload configured folders",
		Long: `Walk every configured folder, check each file against the MyTardis server,
and upload whatever is missing. Files already on the server are verified or
resumed rather than re-sent.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runPipeline(false)
		},
	}
}

// runPipeline wires config, catalog client, staging transport, board, and
// coordinator together and drives one run to quiescence. With testRun set,
// files are classified but nothing is uploaded or mutated server-side.
func runPipeline(testRun bool) error {
	logger := buildLogger()
	cfg := loadedCfg

	client := mytardis.NewClient(
		strings.TrimRight(cfg.Server.URL, "/"),
		cfg.Server.Username,
		cfg.Server.APIKey,
		newHTTPClient(&cfg.Server),
		logger,
	)

	// Host and username may be overridden by the approval record at pipeline
	// start; the private key always comes from local config.
	transport := staging.New(staging.Credentials{
		Host:           stagingAddr(&cfg.Staging),
		Username:       cfg.Staging.Username,
		PrivateKeyPath: cfg.Staging.PrivateKeyPath,
	}, logger)

	board := pipeline.NewBoard(logger)

	opts := pipeline.Options{
		VerificationWorkers: cfg.Workers.Verification,
		UploadWorkers:       cfg.Workers.Upload,
		ServerURL:           cfg.Server.URL,
	}
	if cfg.Advanced.FakeMD5Checksum {
		opts.FakeDigest = fakeMD5Sum
	}

	coord := pipeline.New(client, transport, board, logger, opts)

	ctx := shutdownContext(context.Background(), logger)

	go drainEvents(coord, logger)
	go drainUpdates(board, logger)

	if err := coord.Start(ctx); err != nil {
		return err
	}

	for _, folder := range cfg.Folders {
		files, err := discoverFolder(folder.Path, folder.Path)
		if err != nil {
			coord.Cancel()

			return err
		}

		logger.Info("feeding folder",
			slog.String("path", folder.Path),
			slog.Int("files", len(files)),
		)

		coord.Enqueue(datasetRef(folder), files, testRun)
	}

	coord.Wait(ctx)

	return printSummary(cfg, board, testRun)
}

// newHTTPClient builds the catalog HTTP client with the configured connect
// and data timeouts.
func newHTTPClient(server *config.ServerConfig) *http.Client {
	dialer := &net.Dialer{Timeout: server.ConnectTimeoutDuration()}

	return &http.Client{
		Timeout:   server.DataTimeoutDuration(),
		Transport: &http.Transport{DialContext: dialer.DialContext},
	}
}

// stagingAddr joins the configured staging host and port. The transport
// appends the default SSH port itself when none is present.
func stagingAddr(s *config.StagingConfig) string {
	if s.Host == "" || s.Port == "" {
		return s.Host
	}

	if _, _, err := net.SplitHostPort(s.Host); err == nil {
		return s.Host
	}

	return net.JoinHostPort(s.Host, s.Port)
}

// drainEvents surfaces coordinator events: connection flaps and completion
// go to the log, user-facing notices go to stderr. Acknowledged notices are
// acked immediately once printed — on a terminal there is nobody else to
// wait for.
func drainEvents(coord *pipeline.Coordinator, logger *slog.Logger) {
	for ev := range coord.Events() {
		switch ev.Kind {
		case pipeline.EventConnectionStatus:
			if ev.State == pipeline.Disconnected {
				logger.Error("lost connection to MyTardis server", slog.String("url", ev.URL))
			} else {
				logger.Info("connected to MyTardis server", slog.String("url", ev.URL))
			}
		case pipeline.EventUploadsComplete:
			logger.Info("uploads complete",
				slog.Bool("success", ev.Success),
				slog.Bool("failed", ev.Failed),
				slog.Bool("canceled", ev.Canceled),
			)
		case pipeline.EventShowMessage:
			fmt.Fprintf(os.Stderr, "%s: %s\n", ev.Title, ev.Message)

			if ev.Ack != nil {
				ev.Ack()
			}
		}
	}
}

// drainUpdates keeps the board's change-record channel flowing. Individual
// transitions are debug-level; the workers already log the interesting ones.
func drainUpdates(board *pipeline.Board, logger *slog.Logger) {
	for u := range board.Updates() {
		logger.Debug("status",
			slog.Int("row", u.RowID),
			slog.String("kind", u.Kind.String()),
			slog.String("path", u.File.Path),
			slog.String("status", u.Status.String()),
			slog.String("message", u.Message),
			slog.Int("percent", int(u.Progress)),
		)
	}
}

// printSummary reports per-folder and aggregate results and decides the
// process exit status.
func printSummary(cfg *config.Config, board *pipeline.Board, testRun bool) error {
	var failed, canceled, needsUpload int64

	for _, row := range board.Rows() {
		switch row.Status() {
		case pipeline.StatusFailed:
			failed++
		case pipeline.StatusCanceled:
			canceled++
		case pipeline.StatusNotFound, pipeline.StatusFoundUnverifiedPartial:
			needsUpload++
		}
	}

	if testRun {
		fmt.Printf("Test run: %d file(s) need uploading, %d failed to verify.\n",
			needsUpload, failed)

		if failed > 0 {
			return errUploadsFailed
		}

		return nil
	}

	for _, folder := range cfg.Folders {
		fmt.Printf("%s: %d file(s) uploaded or verified\n",
			folder.Path, board.FolderUploaded(folder.Path))
	}

	fmt.Printf("Uploaded %d file(s), %s in %s.\n",
		board.CompletedCount(),
		humanize.Bytes(uint64(board.CompletedSize())),
		board.Elapsed().Round(time.Second),
	)

	if failed > 0 || canceled > 0 {
		fmt.Printf("%d file(s) failed, %d canceled.\n", failed, canceled)
	}

	if failed > 0 {
		return errUploadsFailed
	}

	return nil
}
