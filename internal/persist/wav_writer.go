// Package persist implements the audio persistence consumer: it reads each
// session's audio stream in the "audio-persistence" group and writes the raw
// PCM to per-conversation WAV files on disk.
//
// File rotation is driven out-of-band: before every read the worker checks
// the session's Current-Conversation Pointer, and when it changes the open
// file is closed, its path recorded under the previous conversation's Audio
// File Binding, and a new file opened for the new conversation. Audio that
// arrives while no conversation is open goes to an "orphan" file that is
// re-linked to the next conversation on rotation.
package persist

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openwear/earstream/pkg/audio"
)

// fileWriter appends PCM to one WAV file. The header is written up front
// with a placeholder data length and rewritten on Close; a crash mid-file
// leaves a recoverable artifact that RecoverHeaders repairs from file size.
type fileWriter struct {
	f         *os.File
	path      string
	dataBytes int
}

// createWAV creates a new WAV file with a placeholder header.
func createWAV(path string) (*fileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", path, err)
	}
	if _, err := f.Write(audio.WAVHeader(0, audio.SampleRate, audio.Channels)); err != nil {
		f.Close()
		return nil, fmt.Errorf("persist: write header %s: %w", path, err)
	}
	return &fileWriter{f: f, path: path}, nil
}

// write appends raw PCM. Durability is deferred to sync at batch boundaries.
func (w *fileWriter) write(pcm []byte) error {
	if _, err := w.f.Write(pcm); err != nil {
		return fmt.Errorf("persist: write %s: %w", w.path, err)
	}
	w.dataBytes += len(pcm)
	return nil
}

// sync flushes written PCM to stable storage. Called at batch boundaries
// before the batch is acked.
func (w *fileWriter) sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("persist: sync %s: %w", w.path, err)
	}
	return nil
}

// rename moves the file to a new path while keeping it open. Used to re-link
// an orphan file to the conversation that turned out to own its audio.
func (w *fileWriter) rename(newPath string) error {
	if err := os.Rename(w.path, newPath); err != nil {
		return fmt.Errorf("persist: rename %s to %s: %w", w.path, newPath, err)
	}
	w.path = newPath
	return nil
}

// close rewrites the header with the real data length, syncs, and closes.
func (w *fileWriter) close() error {
	header := audio.WAVHeader(w.dataBytes, audio.SampleRate, audio.Channels)
	if _, err := w.f.WriteAt(header, 0); err != nil {
		w.f.Close()
		return fmt.Errorf("persist: finalize header %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("persist: final sync %s: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("persist: close %s: %w", w.path, err)
	}
	return nil
}

// RecoverHeaders scans dir for WAV files whose header length does not match
// the file size and rewrites the header from the size. Run at worker startup
// to repair files left behind by a crash; the operation is idempotent.
func RecoverHeaders(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".wav") {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		dataBytes := int(fi.Size()) - audio.WAVHeaderSize
		if dataBytes < 0 {
			return nil
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("persist: recover open %s: %w", path, err)
		}
		defer f.Close()

		stored := make([]byte, audio.WAVHeaderSize)
		if _, err := f.ReadAt(stored, 0); err != nil {
			return fmt.Errorf("persist: recover read %s: %w", path, err)
		}
		want := audio.WAVHeader(dataBytes, audio.SampleRate, audio.Channels)
		if string(stored) == string(want) {
			return nil
		}
		if _, err := f.WriteAt(want, 0); err != nil {
			return fmt.Errorf("persist: recover rewrite %s: %w", path, err)
		}
		slog.Info("recovered wav header", "path", path, "data_bytes", dataBytes)
		return f.Sync()
	})
}
