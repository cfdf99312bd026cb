package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cinderlab/cinder/internal/logging"
)

// mounter abstracts mount/umount of the image so tests can run against a
// plain directory. The real implementation shells out to mount(8), which
// handles loop-device setup for image files.
type mounter interface {
	mount(image, target string) error
	unmount(target string) error
}

type execMounter struct{}

func (execMounter) mount(image, target string) error {
	return runTool("mount", "-o", "loop", image, target)
}

func (execMounter) unmount(target string) error {
	return runTool("umount", target)
}

func runTool(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Builder creates, fills, re-reads, and destroys shared channels.
type Builder struct {
	logger *slog.Logger

	mounts mounter
	format func(image string) error
	poll   time.Duration
}

// NewBuilder returns a builder using mkfs.ext4 and mount(8), polling results
// at the given interval.
func NewBuilder(logger *slog.Logger, pollInterval time.Duration) *Builder {
	return &Builder{
		logger: logging.Ensure(logger).With("component", "channel"),
		mounts: execMounter{},
		format: func(image string) error {
			return runTool("mkfs.ext4", "-F", image)
		},
		poll: pollInterval,
	}
}

// Create allocates the zero-filled image, formats it as ext4, mounts it,
// writes the task descriptor into the inbound slot, and unmounts. On any
// error the image is not usable and the VM must not boot.
func (b *Builder) Create(ctx context.Context, ch Channel, task Task) error {
	logger := b.logger.With("image", ch.ImagePath, "task_id", task.TaskID)
	logger.Info("creating shared channel", "size_mb", ch.SizeMB)

	if err := os.MkdirAll(filepath.Dir(ch.ImagePath), 0o755); err != nil {
		return &CreateError{Step: "prepare image directory", Err: err}
	}

	if err := allocateImage(ch.ImagePath, ch.SizeMB); err != nil {
		return &CreateError{Step: "allocate image", Err: err}
	}
	if err := b.format(ch.ImagePath); err != nil {
		return &CreateError{Step: "format image", Err: err}
	}

	if err := os.MkdirAll(ch.MountPoint, 0o755); err != nil {
		return &CreateError{Step: "prepare mount point", Err: err}
	}
	if err := b.mounts.mount(ch.ImagePath, ch.MountPoint); err != nil {
		return &CreateError{Step: "mount image", Err: err}
	}

	populateErr := b.populate(ch, task)

	if err := b.mounts.unmount(ch.MountPoint); err != nil {
		if populateErr == nil {
			populateErr = &CreateError{Step: "unmount image", Err: err}
		} else {
			logger.Warn("unmount after failed populate", "error", err)
		}
	}
	if populateErr != nil {
		return populateErr
	}

	logger.Info("shared channel ready")
	return nil
}

func (b *Builder) populate(ch Channel, task Task) error {
	for _, slot := range []string{taskSlot, resultSlot} {
		if err := os.MkdirAll(filepath.Join(ch.MountPoint, slot), 0o777); err != nil {
			return &CreateError{Step: "create " + slot + " slot", Err: err}
		}
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return &CreateError{Step: "encode task", Err: err}
	}
	taskPath := filepath.Join(ch.MountPoint, taskSlot, task.TaskID+".json")
	if err := os.WriteFile(taskPath, data, 0o666); err != nil {
		return &CreateError{Step: "write task descriptor", Err: err}
	}

	// The guest agent runs unprivileged; open up the tree.
	for _, slot := range []string{taskSlot, resultSlot} {
		if err := os.Chmod(filepath.Join(ch.MountPoint, slot), 0o777); err != nil {
			return &CreateError{Step: "chmod " + slot + " slot", Err: err}
		}
	}
	return nil
}

// ReadResult re-mounts the image and polls the outbound slot for the task's
// result descriptor until the deadline. The image is unmounted again before
// returning, on every path.
func (b *Builder) ReadResult(ctx context.Context, ch Channel, taskID string, deadline time.Time) (Result, error) {
	logger := b.logger.With("image", ch.ImagePath, "task_id", taskID)

	if err := os.MkdirAll(ch.MountPoint, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare mount point: %w", err)
	}
	if err := b.mounts.mount(ch.ImagePath, ch.MountPoint); err != nil {
		return Result{}, fmt.Errorf("mount for result read: %w", err)
	}
	defer func() {
		if err := b.mounts.unmount(ch.MountPoint); err != nil {
			logger.Warn("unmount after result read", "error", err)
		}
	}()

	resultPath := filepath.Join(ch.MountPoint, resultSlot, taskID+".json")
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(resultPath); err == nil {
			return parseResult(resultPath)
		}
		if time.Now().After(deadline) {
			return Result{}, &TimeoutError{TaskID: taskID}
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func parseResult(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, &ParseError{Path: path, Err: err}
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, &ParseError{Path: path, Err: err}
	}
	if res.TaskID == "" {
		return Result{}, &ParseError{Path: path, Err: errors.New("missing task_id")}
	}
	return res, nil
}

// Destroy unmounts (tolerating "not mounted") and deletes the image and
// mount point. It never fails the caller; problems come back as warnings
// for the teardown log.
func (b *Builder) Destroy(ch Channel) []error {
	var warnings []error

	if err := b.mounts.unmount(ch.MountPoint); err != nil && !isNotMounted(err) {
		warnings = append(warnings, fmt.Errorf("unmount %s: %w", ch.MountPoint, err))
	}
	if err := os.Remove(ch.ImagePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		warnings = append(warnings, fmt.Errorf("remove image %s: %w", ch.ImagePath, err))
	}
	if err := os.Remove(ch.MountPoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		warnings = append(warnings, fmt.Errorf("remove mount point %s: %w", ch.MountPoint, err))
	}
	return warnings
}

// allocateImage creates a sparse zero-filled file of the requested size.
func allocateImage(path string, sizeMB int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(sizeMB) << 20); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// isNotMounted recognizes umount's complaint about an already-unmounted
// target; mount(8) exits 32 with "not mounted" on stderr.
func isNotMounted(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not mounted") || strings.Contains(msg, "no mount point specified")
}
