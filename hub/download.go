package hub

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// exists returns whether the file exists.
func exists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}

// lockedDownload fetches url into filePath, unless filePath is already there and forceDownload is false.
//
// The content goes first to filePath+".downloading", renamed to filePath once complete. A filePath+".lock"
// file serializes concurrent downloads of the same file, across goroutines and processes.
func (r *Repo) lockedDownload(ctx context.Context, url, filePath string, forceDownload bool) error {
	if exists(filePath) {
		if !forceDownload {
			return nil
		}
		err := os.Remove(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to remove %q while force-downloading %q", filePath, url)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(path.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}

	lockPath := filePath + ".lock"
	var mainErr error
	errLock := execOnFileLock(ctx, lockPath, func() {
		if exists(filePath) {
			// Downloaded by someone else while waiting for the lock.
			return
		}

		tmpPath := filePath + ".downloading"
		mainErr = r.download(ctx, url, tmpPath)
		if mainErr != nil {
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				klog.Warningf("Failed removing temporary file %q: %v", tmpPath, err)
			}
			mainErr = errors.WithMessagef(mainErr, "while downloading %q to %q", url, tmpPath)
			return
		}

		if err := os.Rename(tmpPath, filePath); err != nil {
			mainErr = errors.Wrapf(err, "failed to move downloaded file %q to %q", tmpPath, filePath)
			return
		}
		klog.V(1).Infof("downloaded %q to %q", url, filePath)

		if err := os.Remove(lockPath); err != nil {
			klog.Warningf("error removing lock file %q: %+v", lockPath, err)
		}
	})
	if mainErr != nil {
		return mainErr
	}
	if errLock != nil {
		return errors.WithMessagef(errLock, "while locking %q to download %q", lockPath, url)
	}
	return nil
}

// download fetches url into filePath, truncating it.
func (r *Repo) download(ctx context.Context, url, filePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "creating request for %q", url)
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("requesting %q: %s", url, resp.Status)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for download in %q", filePath)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", filePath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close temporary download file %q", filePath)
	}
	return nil
}

// execOnFileLock runs fn while holding an exclusive lock on lockPath, created if needed.
// While someone else holds the lock it retries every 1 to 2 seconds, until ctx is done.
//
// lockPath is left in place; fn may remove it once no one else will wait on it.
func execOnFileLock(ctx context.Context, lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)

	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * time.Duration(1000+rand.Intn(1000))):
		}
	}

	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil && err == nil {
			err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
		}
	}()

	fn()
	return
}
