package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/createcandle/shrenk/internal/db"
	models "github.com/createcandle/shrenk/internal/db/models"
	"github.com/createcandle/shrenk/pkg/disk"
	"github.com/createcandle/shrenk/pkg/lock"
	"github.com/createcandle/shrenk/pkg/shrink"
	"github.com/createcandle/shrenk/pkg/utils"
)

const (
	defaultDBPath   = "/var/lib/shrenk/shrenk.db"
	defaultLockDir  = "/run/shrenk"
	defaultBarWidth = 58
)

func usage() {
	fmt.Fprintln(os.Stderr, `shrenk - shrink the last ext2/3/4 partition of a disk image and truncate the file

Usage:
  shrenk [flags] layout  <image>   print the partition layout bar
  shrenk [flags] shrink  <image>   shrink the last partition and truncate the image
  shrenk [flags] history <image>   list recorded shrink runs for the image

Flags:`)
	flag.PrintDefaults()
}

func main() {
	margin := flag.Int64("margin", shrink.DefaultSafetyMarginBytes, "safety margin in bytes kept free above the filesystem minimum")
	width := flag.Int("width", defaultBarWidth, "width of the layout bar in characters")
	dbPath := flag.String("db", defaultDBPath, "path of the run-history database, empty disables history")
	lockDir := flag.String("lockdir", defaultLockDir, "directory for per-image lock files")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 2 {
		usage()
		os.Exit(1)
	}
	command, imagePath := flag.Arg(0), flag.Arg(1)

	runID, err := utils.NewUUID7()
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not create run id: "+err.Error())
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("run_id", runID)
	slog.SetDefault(logger)

	ctx := context.Background()
	pipeline := shrink.NewDefault(shrink.Options{
		SafetyMarginBytes: *margin,
		Locker:            lock.NewFlockLocker(*lockDir),
	})

	switch command {
	case "layout":
		os.Exit(runLayout(ctx, pipeline, imagePath, *width))
	case "shrink":
		os.Exit(runShrink(ctx, logger, pipeline, imagePath, *dbPath))
	case "history":
		os.Exit(runHistory(ctx, imagePath, *dbPath))
	default:
		usage()
		os.Exit(1)
	}
}

func runLayout(ctx context.Context, pipeline *shrink.Pipeline, imagePath string, width int) int {
	table, err := pipeline.ReportLayout(ctx, imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading layout: "+err.Error())
		return 1
	}

	segments := disk.LayoutSegments(table)
	if len(segments) == 0 {
		fmt.Println("no partitions found")
		return 0
	}

	fmt.Printf("Disk image partition layout (each character ~%.1f%% of image):\n", 100/float64(width))
	fmt.Println(renderBar(segments, width))

	legend := make([]string, 0, len(table.Records))
	for _, rec := range table.Records {
		legend = append(legend, fmt.Sprintf("%d: %dMB (%s)", rec.Index, rec.SizeBytes/(1024*1024), rec.Type))
	}
	fmt.Println("Legend: " + strings.Join(legend, "  "))
	return 0
}

// renderBar draws each partition as a run of its label character, positioned
// proportionally inside a fixed-width bar.
func renderBar(segments []disk.Segment, width int) string {
	bar := []byte(strings.Repeat(" ", width))
	for _, seg := range segments {
		left := int(seg.FracStart * float64(width))
		right := int((seg.FracStart + seg.FracSize) * float64(width))
		if right <= left {
			right = left + 1
		}
		for i := left; i < right && i < width; i++ {
			bar[i] = seg.Label[0]
		}
	}
	return "|" + string(bar) + "|"
}

func runShrink(ctx context.Context, logger *slog.Logger, pipeline *shrink.Pipeline, imagePath, dbPath string) int {
	absPath, err := filepath.Abs(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	oldInfo, err := os.Stat(absPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "image not accessible: "+err.Error())
		return 1
	}

	outcome, shrinkErr := pipeline.Shrink(ctx, absPath)
	recordRun(ctx, logger, dbPath, absPath, oldInfo.Size(), outcome, shrinkErr)

	if shrinkErr != nil {
		logger.Error("shrink failed", "image", absPath, "error", shrinkErr)
		return exitCode(shrinkErr)
	}

	switch outcome.Status {
	case shrink.StatusNoop:
		fmt.Println("Image already at or near its minimal size, nothing to do.")
	default:
		fmt.Printf("Image shrunk: %d -> %d bytes (filesystem %d blocks, partition %d bytes)\n",
			oldInfo.Size(), outcome.FinalFileBytes, outcome.FinalBlocks, outcome.FinalPartitionBytes)
	}
	return 0
}

func recordRun(ctx context.Context, logger *slog.Logger, dbPath, imagePath string, oldBytes int64, outcome *shrink.Outcome, shrinkErr error) {
	if dbPath == "" {
		return
	}

	shrenkDB, err := db.NewDB(dbPath)
	if err != nil {
		logger.Warn("history database unavailable", "error", err)
		return
	}
	defer shrenkDB.Close()

	if err := db.InitSchema(ctx, shrenkDB); err != nil {
		logger.Warn("history schema init failed", "error", err)
		return
	}

	run := &models.ShrinkRun{
		ImagePath:    imagePath,
		Status:       string(shrink.StatusFailed),
		Stage:        shrink.StageIdle.String(),
		OldFileBytes: oldBytes,
		NewFileBytes: oldBytes,
	}
	if outcome != nil {
		run.Status = string(outcome.Status)
		run.Stage = outcome.Stage.String()
		if outcome.FinalFileBytes > 0 {
			run.NewFileBytes = outcome.FinalFileBytes
		}
	}
	if shrinkErr != nil {
		msg := shrinkErr.Error()
		run.Error = &msg
	}

	if err := models.InsertRun(ctx, shrenkDB, run); err != nil {
		logger.Warn("recording shrink run failed", "error", err)
	}
}

func runHistory(ctx context.Context, imagePath, dbPath string) int {
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "history is disabled (-db is empty)")
		return 1
	}

	absPath, err := filepath.Abs(imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	shrenkDB, err := db.NewDB(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening history database: "+err.Error())
		return 1
	}
	defer shrenkDB.Close()

	if err := db.InitSchema(ctx, shrenkDB); err != nil {
		fmt.Fprintln(os.Stderr, "initializing history database: "+err.Error())
		return 1
	}

	runs, err := models.ListRuns(ctx, shrenkDB, absPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listing runs: "+err.Error())
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs for " + absPath)
		return 0
	}

	for _, run := range runs {
		line := fmt.Sprintf("%s  %-7s  %-17s  %d -> %d bytes",
			run.CreatedAt.Format("2006-01-02 15:04:05"), run.Status, run.Stage,
			run.OldFileBytes, run.NewFileBytes)
		if run.Error != nil {
			line += "  " + *run.Error
		}
		fmt.Println(line)
	}
	return 0
}

// exitCode maps a shrink failure to an exit status that tells the operator
// how unsafe the image currently is. Pre-mutation failures are 1.
func exitCode(err error) int {
	var stageErr *shrink.StageError
	if !errors.As(err, &stageErr) {
		return 1
	}

	switch stageErr.Stage {
	case shrink.StageFilesystemShrunk:
		return 3
	case shrink.StagePartitionShrunk:
		return 4
	case shrink.StageTruncated:
		return 5
	case shrink.StageDone:
		return 6
	default:
		return 1
	}
}
