package shrink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/createcandle/shrenk/pkg/disk"
	"github.com/createcandle/shrenk/pkg/extfs"
	"github.com/createcandle/shrenk/pkg/loopdev"
)

const (
	fakeSectorSize = int64(512)
	fakeBlockSize  = int64(4096)
	fakeBootStart  = int64(1024 * 1024)
	fakeBootBytes  = int64(3 * 1024 * 1024)
	fakePartStart  = int64(4 * 1024 * 1024)
)

// fakeImage simulates an attached disk image behind every collaborator
// interface, backed by a real temp file so truncation is observable.
type fakeImage struct {
	path      string
	minBlocks int64
	fsBlocks  int64
	partBytes int64
	fsType    disk.FsType

	attached bool

	failCheck      bool
	failResize     bool
	failPartResize bool
	failTruncate   bool

	checkCalls      int
	resizeCalls     int
	partResizeCalls int
}

func newFakeImage(t *testing.T, minBlocks, fsBlocks int64) *fakeImage {
	t.Helper()

	f := &fakeImage{
		path:      filepath.Join(t.TempDir(), "image.img"),
		minBlocks: minBlocks,
		fsBlocks:  fsBlocks,
		partBytes: fsBlocks * fakeBlockSize,
		fsType:    disk.FsExt4,
	}

	if err := os.WriteFile(f.path, nil, 0o644); err != nil {
		t.Fatalf("creating image file: %v", err)
	}
	if err := os.Truncate(f.path, fakePartStart+f.partBytes); err != nil {
		t.Fatalf("sizing image file: %v", err)
	}

	return f
}

func (f *fakeImage) fileSize(t *testing.T) int64 {
	t.Helper()
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatalf("stat image: %v", err)
	}
	return info.Size()
}

func (f *fakeImage) Attach(ctx context.Context, imagePath string) (*loopdev.Device, error) {
	f.attached = true
	return &loopdev.Device{
		Path:       "/dev/fake0",
		Partitions: []string{"/dev/fake0p1", "/dev/fake0p2"},
	}, nil
}

func (f *fakeImage) Detach(ctx context.Context, dev *loopdev.Device) error {
	if dev == nil || dev.Path == "" {
		return nil
	}
	f.attached = false
	dev.Path = ""
	return nil
}

func (f *fakeImage) ReadTable(ctx context.Context, devicePath string) (*disk.PartitionTable, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, err
	}

	return &disk.PartitionTable{
		DevicePath: devicePath,
		TotalBytes: info.Size(),
		SectorSize: fakeSectorSize,
		Records: []disk.PartitionRecord{
			{Index: 1, Path: "/dev/fake0p1", StartBytes: fakeBootStart, SizeBytes: fakeBootBytes, Type: disk.FsFat},
			{Index: 2, Path: "/dev/fake0p2", StartBytes: fakePartStart, SizeBytes: f.partBytes, Type: f.fsType},
		},
	}, nil
}

func (f *fakeImage) Check(ctx context.Context, partPath string) error {
	f.checkCalls++
	if f.failCheck {
		return fmt.Errorf("%w: simulated", extfs.ErrFilesystemCheck)
	}
	return nil
}

func (f *fakeImage) Report(ctx context.Context, partPath string) (*extfs.SizeReport, error) {
	if err := f.Check(ctx, partPath); err != nil {
		return nil, err
	}
	return &extfs.SizeReport{
		BlockSize:     fakeBlockSize,
		MinBlocks:     f.minBlocks,
		CurrentBlocks: f.fsBlocks,
	}, nil
}

func (f *fakeImage) Resize(ctx context.Context, partPath string, blocks int64) (int64, error) {
	f.resizeCalls++
	if f.failResize {
		return 0, fmt.Errorf("%w: simulated", extfs.ErrFilesystemResize)
	}
	f.fsBlocks = blocks
	return blocks, nil
}

func (f *fakeImage) ResizePartition(ctx context.Context, devicePath string, index int, newEndSector int64) error {
	f.partResizeCalls++
	if f.failPartResize {
		return fmt.Errorf("%w: simulated", disk.ErrPartitionResize)
	}
	f.partBytes = (newEndSector+1)*fakeSectorSize - fakePartStart
	return nil
}

func (f *fakeImage) Truncate(path string, newSize int64) error {
	if f.failTruncate {
		return errors.New("simulated truncate failure")
	}
	return os.Truncate(path, newSize)
}

func newTestPipeline(f *fakeImage) *Pipeline {
	return New(f, f, f, f, f, Options{SafetyMarginBytes: 1024 * 1024})
}

func TestShrinkSuccess(t *testing.T) {
	f := newFakeImage(t, 1000, 10000)
	oldSize := f.fileSize(t)

	outcome, err := newTestPipeline(f).Shrink(context.Background(), f.path)
	if err != nil {
		t.Fatalf("Shrink failed: %v", err)
	}

	if outcome.Status != StatusSuccess || outcome.Stage != StageDone {
		t.Errorf("outcome = %+v, want success/done", outcome)
	}

	// 1000 min + 256 margin blocks = 1256 blocks = 5144576 bytes.
	wantPartBytes := int64(1256) * fakeBlockSize
	if outcome.FinalPartitionBytes != wantPartBytes {
		t.Errorf("FinalPartitionBytes = %d, want %d", outcome.FinalPartitionBytes, wantPartBytes)
	}
	if outcome.FinalBlocks != 1256 {
		t.Errorf("FinalBlocks = %d, want 1256", outcome.FinalBlocks)
	}

	wantFileSize := fakePartStart + wantPartBytes
	if got := f.fileSize(t); got != wantFileSize {
		t.Errorf("file size = %d, want %d", got, wantFileSize)
	}
	if outcome.FinalFileBytes != wantFileSize {
		t.Errorf("FinalFileBytes = %d, want %d", outcome.FinalFileBytes, wantFileSize)
	}
	if outcome.FinalFileBytes > oldSize {
		t.Errorf("file grew: %d -> %d", oldSize, outcome.FinalFileBytes)
	}

	// Partition never shrinks below the filesystem it contains.
	if f.partBytes < f.fsBlocks*fakeBlockSize {
		t.Errorf("partition %d bytes below filesystem %d bytes", f.partBytes, f.fsBlocks*fakeBlockSize)
	}
	if f.attached {
		t.Error("loop device still attached after shrink")
	}
}

func TestShrinkIdempotent(t *testing.T) {
	f := newFakeImage(t, 1000, 10000)
	pipeline := newTestPipeline(f)
	ctx := context.Background()

	if _, err := pipeline.Shrink(ctx, f.path); err != nil {
		t.Fatalf("first shrink failed: %v", err)
	}
	sizeAfterFirst := f.fileSize(t)
	resizesAfterFirst := f.resizeCalls

	outcome, err := pipeline.Shrink(ctx, f.path)
	if err != nil {
		t.Fatalf("second shrink failed: %v", err)
	}

	if outcome.Status != StatusNoop {
		t.Errorf("second shrink status = %s, want %s", outcome.Status, StatusNoop)
	}
	if got := f.fileSize(t); got != sizeAfterFirst {
		t.Errorf("second shrink changed file size: %d -> %d", sizeAfterFirst, got)
	}
	if f.resizeCalls != resizesAfterFirst {
		t.Errorf("second shrink ran resize2fs again (%d calls)", f.resizeCalls)
	}
	if f.partResizeCalls != 1 {
		t.Errorf("second shrink touched the partition table (%d calls)", f.partResizeCalls)
	}
}

func TestShrinkUnsupportedFilesystem(t *testing.T) {
	f := newFakeImage(t, 1000, 10000)
	f.fsType = disk.FsFat

	_, err := newTestPipeline(f).Shrink(context.Background(), f.path)
	if !errors.Is(err, extfs.ErrUnsupportedFilesystem) {
		t.Fatalf("err = %v, want ErrUnsupportedFilesystem", err)
	}

	if f.checkCalls != 0 || f.resizeCalls != 0 || f.partResizeCalls != 0 {
		t.Errorf("tools invoked on unsupported filesystem: checks=%d resizes=%d partResizes=%d",
			f.checkCalls, f.resizeCalls, f.partResizeCalls)
	}
	if f.attached {
		t.Error("loop device still attached")
	}
}

func TestShrinkCheckFailureIsFatal(t *testing.T) {
	f := newFakeImage(t, 1000, 10000)
	f.failCheck = true
	oldSize := f.fileSize(t)

	_, err := newTestPipeline(f).Shrink(context.Background(), f.path)
	if !errors.Is(err, extfs.ErrFilesystemCheck) {
		t.Fatalf("err = %v, want ErrFilesystemCheck", err)
	}

	if f.resizeCalls != 0 || f.partResizeCalls != 0 {
		t.Error("mutation attempted after failed filesystem check")
	}
	if got := f.fileSize(t); got != oldSize {
		t.Errorf("file size changed: %d -> %d", oldSize, got)
	}
}

// TestShrinkPartitionResizeFailureThenRerun injects a partition-resize
// failure after a successful filesystem shrink, then reruns. The rerun must
// converge to done without shrinking the filesystem a second time.
func TestShrinkPartitionResizeFailureThenRerun(t *testing.T) {
	f := newFakeImage(t, 1000, 10000)
	f.failPartResize = true
	pipeline := newTestPipeline(f)
	ctx := context.Background()
	oldSize := f.fileSize(t)

	outcome, err := pipeline.Shrink(ctx, f.path)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StagePartitionShrunk {
		t.Fatalf("err = %v, want StageError at %s", err, StagePartitionShrunk)
	}
	if outcome == nil || outcome.Status != StatusFailed || outcome.Stage != StagePartitionShrunk {
		t.Fatalf("outcome = %+v, want failed at partition-shrunk", outcome)
	}
	if got := f.fileSize(t); got != oldSize {
		t.Errorf("file truncated despite partition-resize failure: %d -> %d", oldSize, got)
	}

	// The image is safe (filesystem shrunk, partition oversized); a rerun
	// must finish the job.
	f.failPartResize = false
	outcome, err = pipeline.Shrink(ctx, f.path)
	if err != nil {
		t.Fatalf("rerun failed: %v", err)
	}
	if outcome.Status != StatusSuccess || outcome.Stage != StageDone {
		t.Errorf("rerun outcome = %+v, want success/done", outcome)
	}
	if f.resizeCalls != 1 {
		t.Errorf("filesystem resized %d times across runs, want 1", f.resizeCalls)
	}

	wantFileSize := fakePartStart + int64(1256)*fakeBlockSize
	if got := f.fileSize(t); got != wantFileSize {
		t.Errorf("file size after rerun = %d, want %d", got, wantFileSize)
	}
}

func TestShrinkTruncateFailure(t *testing.T) {
	f := newFakeImage(t, 1000, 10000)
	f.failTruncate = true

	outcome, err := newTestPipeline(f).Shrink(context.Background(), f.path)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageTruncated {
		t.Fatalf("err = %v, want StageError at %s", err, StageTruncated)
	}
	if outcome.Status != StatusFailed || outcome.Stage != StageTruncated {
		t.Errorf("outcome = %+v, want failed at truncated", outcome)
	}
}

func TestReportLayoutDetaches(t *testing.T) {
	f := newFakeImage(t, 1000, 10000)

	table, err := newTestPipeline(f).ReportLayout(context.Background(), f.path)
	if err != nil {
		t.Fatalf("ReportLayout failed: %v", err)
	}

	if len(table.Records) != 2 {
		t.Errorf("got %d records, want 2", len(table.Records))
	}
	if f.attached {
		t.Error("loop device still attached after layout report")
	}
}
