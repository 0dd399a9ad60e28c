package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
)

// EnsureBinary checks that the tunnel side-car binary is present at
// binaryPath, and if not, priority-syncs it from the coordinator's
// self-distribution surface before the caller tries to spawn it
// (spec.md §4.6's INIT-state requirement). A peer whose distribution was
// never bootstrapped with the tunnel binary, or whose copy was deleted,
// recovers without operator intervention.
func EnsureBinary(ctx context.Context, baseURL, binaryPath string, logger log.Logger) error {
	if logger == nil {
		logger = log.Root()
	}
	if binaryPath == "" {
		return nil
	}
	if _, err := os.Stat(binaryPath); err == nil {
		return nil
	}

	logger.Info("tunnel binary missing locally, priority-syncing from coordinator", "path", binaryPath)

	url := baseURL + "/client/files/" + filepath.Base(binaryPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("tunnel: ensure binary: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("tunnel: fetch binary: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tunnel: fetch binary: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(binaryPath), 0o755); err != nil {
		return fmt.Errorf("tunnel: ensure binary dir: %w", err)
	}
	tmp := binaryPath + ".downloading"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("tunnel: create binary: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("tunnel: write binary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tunnel: close binary: %w", err)
	}
	if err := os.Rename(tmp, binaryPath); err != nil {
		return fmt.Errorf("tunnel: install binary: %w", err)
	}
	logger.Info("tunnel binary priority-sync complete", "path", binaryPath)
	return nil
}
