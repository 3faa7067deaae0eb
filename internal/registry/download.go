package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/openlocus/locus/internal/adapters/id"
	"github.com/openlocus/locus/internal/adapters/metrics"
	"github.com/openlocus/locus/internal/domain/models"
)

var (
	ErrChecksumMismatch = errors.New("downloaded file checksum mismatch")
	ErrJobNotFound      = errors.New("download job not found")
)

const downloadChunkSize = 1 << 20 // 1 MiB between control-event polls

// Progress is emitted to subscribers as a download advances.
type Progress struct {
	JobID           string        `json:"job_id"`
	TotalBytes      int64         `json:"total_bytes"`
	DownloadedBytes int64         `json:"downloaded_bytes"`
	ETA             time.Duration `json:"eta"`
}

// Downloader performs resumable model file downloads with checksum
// verification and a persisted job ledger.
type Downloader struct {
	jobsPath   string
	httpClient *http.Client

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	job    models.DownloadJob
	cancel chan struct{} // level-triggered: closed once
	paused bool
	subs   []chan Progress
}

// NewDownloader restores the job ledger from jobsPath.
func NewDownloader(jobsPath string) (*Downloader, error) {
	d := &Downloader{
		jobsPath:   jobsPath,
		httpClient: &http.Client{Timeout: 0}, // long transfers; cancellation via ctx
		jobs:       make(map[string]*jobState),
	}

	data, err := os.ReadFile(jobsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("failed to read download jobs: %w", err)
	}
	var persisted []models.DownloadJob
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to parse download jobs: %w", err)
	}
	for _, j := range persisted {
		if j.Status == models.JobRunning {
			// The process died mid-transfer; the .part file allows resume.
			j.Status = models.JobPaused
		}
		d.jobs[j.JobID] = &jobState{
			job:    j,
			cancel: make(chan struct{}),
		}
	}
	return d, nil
}

// Begin registers a job and starts the transfer in a background goroutine.
// The returned job is a registration-time snapshot; Subscribe streams progress
// until the job reaches a terminal status, after which the final state is read
// from the ledger.
func (d *Downloader) Begin(ctx context.Context, targetURL, targetPath, expectedSHA256 string) *models.DownloadJob {
	job := models.DownloadJob{
		JobID:       id.NewJob(),
		Status:      models.JobRunning,
		TargetURL:   targetURL,
		TargetPath:  targetPath,
		PartialPath: targetPath + ".part",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	state := &jobState{
		job:    job,
		cancel: make(chan struct{}),
	}

	d.mu.Lock()
	d.jobs[job.JobID] = state
	d.persistLocked()
	d.mu.Unlock()

	go d.transfer(ctx, state, expectedSHA256)

	out := job
	return &out
}

// transfer runs the download and records the terminal status. Subscriber
// channels close here, once, after the ledger reflects the final state.
func (d *Downloader) transfer(ctx context.Context, state *jobState, expectedSHA256 string) {
	err := d.run(ctx, state, expectedSHA256)

	d.mu.Lock()
	if err != nil {
		if errors.Is(err, context.Canceled) || isCancelSignal(state) {
			state.job.Status = models.JobCancelled
		} else {
			state.job.Status = models.JobFailed
		}
		state.job.Error = err.Error()
		log.Printf("[Downloader] job %s ended: %v", state.job.JobID, err)
	} else {
		state.job.Status = models.JobCompleted
	}
	state.job.UpdatedAt = time.Now()
	subs := state.subs
	state.subs = nil
	d.persistLocked()
	d.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// Subscribe returns a channel of progress updates for jobID. The channel is
// closed when the job reaches a terminal status; subscribing to an already
// finished job yields a closed channel.
func (d *Downloader) Subscribe(jobID string) (<-chan Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	ch := make(chan Progress, 16)
	if isTerminal(state.job.Status) {
		close(ch)
		return ch, nil
	}
	state.subs = append(state.subs, ch)
	return ch, nil
}

func isTerminal(status models.DownloadJobStatus) bool {
	switch status {
	case models.JobCompleted, models.JobFailed, models.JobCancelled:
		return true
	}
	return false
}

// Cancel signals a running job to stop. Idempotent.
func (d *Downloader) Cancel(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	select {
	case <-state.cancel:
	default:
		close(state.cancel)
	}
	return nil
}

// Pause toggles the pause event on. Resume clears it.
func (d *Downloader) Pause(jobID string) error  { return d.setPaused(jobID, true) }
func (d *Downloader) Resume(jobID string) error { return d.setPaused(jobID, false) }

func (d *Downloader) setPaused(jobID string, paused bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	state.paused = paused
	return nil
}

// Jobs lists the ledger.
func (d *Downloader) Jobs() []models.DownloadJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.DownloadJob, 0, len(d.jobs))
	for _, s := range d.jobs {
		out = append(out, s.job)
	}
	return out
}

func (d *Downloader) run(ctx context.Context, state *jobState, expectedSHA256 string) error {
	partial := state.job.PartialPath
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return err
	}

	var offset int64
	if stat, err := os.Stat(partial); err == nil {
		offset = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, state.job.TargetURL, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0 // server ignored the range; restart
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("unexpected status %s fetching %s", resp.Status, state.job.TargetURL)
	}

	total := offset + resp.ContentLength
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	d.updateJob(state, func(j *models.DownloadJob) {
		j.TotalBytes = total
		j.DownloadedBytes = offset
	})

	started := time.Now()
	startOffset := offset
	buf := make([]byte, downloadChunkSize)

	for {
		// Control events are polled between chunks.
		select {
		case <-state.cancel:
			return fmt.Errorf("download cancelled")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.isPaused(state) {
			select {
			case <-state.cancel:
				return fmt.Errorf("download cancelled")
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			offset += int64(n)
			metrics.DownloadBytesTotal.WithLabelValues(state.job.JobID).Add(float64(n))
			d.updateJob(state, func(j *models.DownloadJob) { j.DownloadedBytes = offset })
			d.publish(state, total, offset, started, startOffset)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if err := out.Sync(); err != nil {
		return err
	}

	if expectedSHA256 != "" {
		sum, err := fileSHA256(partial)
		if err != nil {
			return err
		}
		if sum != expectedSHA256 {
			// Corrupt or tampered transfer; never promote it.
			_ = os.Remove(partial)
			return fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, sum, expectedSHA256)
		}
	}

	if err := os.Rename(partial, state.job.TargetPath); err != nil {
		return err
	}
	log.Printf("[Downloader] completed %s -> %s (%d bytes)", state.job.TargetURL, state.job.TargetPath, offset)
	return nil
}

func (d *Downloader) isPaused(state *jobState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return state.paused
}

func (d *Downloader) updateJob(state *jobState, fn func(*models.DownloadJob)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&state.job)
	state.job.UpdatedAt = time.Now()
}

func (d *Downloader) publish(state *jobState, total, downloaded int64, started time.Time, startOffset int64) {
	var eta time.Duration
	if rate := float64(downloaded-startOffset) / time.Since(started).Seconds(); rate > 0 && total > downloaded {
		eta = time.Duration(float64(total-downloaded)/rate) * time.Second
	}
	p := Progress{
		JobID:           state.job.JobID,
		TotalBytes:      total,
		DownloadedBytes: downloaded,
		ETA:             eta,
	}

	d.mu.Lock()
	subs := state.subs
	d.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// persistLocked writes the ledger; callers hold d.mu.
func (d *Downloader) persistLocked() {
	jobs := make([]models.DownloadJob, 0, len(d.jobs))
	for _, s := range d.jobs {
		jobs = append(jobs, s.job)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.jobsPath), 0o755); err != nil {
		return
	}
	tmp := d.jobsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("[Downloader] failed to persist jobs: %v", err)
		return
	}
	_ = os.Rename(tmp, d.jobsPath)
}

func isCancelSignal(state *jobState) bool {
	select {
	case <-state.cancel:
		return true
	default:
		return false
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
