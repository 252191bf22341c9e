// Package receiptwatch ingests receipt images dropped into a directory:
// each new file is run through the extraction model and the normalizer, and
// the resulting draft is committed through the ledger engine.
package receiptwatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"finledger/models"
	"finledger/pkg/extract"
	"finledger/pkg/ledger"
	"finledger/pkg/normalize"
)

// Config tells the watcher where to look and which ledger identity commits
// the ingested drafts.
type Config struct {
	Dir       string
	Username  string
	AccountID uint
	Workers   int
}

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".pdf":  "application/pdf",
}

func isSupportedExt(name string) bool {
	// ignore files we renamed after processing
	if strings.HasSuffix(name, ".done") || strings.HasSuffix(name, ".failed") {
		return false
	}
	_, ok := mimeByExt[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Run processes the files already present in cfg.Dir, then watches for new
// ones until ctx is cancelled.
func Run(ctx context.Context, cfg Config, svc *ledger.Service, scanner *extract.Client, log zerolog.Logger) error {
	if cfg.Dir == "" || cfg.Username == "" || cfg.AccountID == 0 {
		return fmt.Errorf("receiptwatch: dir, username and account id are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	fileCh := make(chan string, 256)
	for i := 0; i < cfg.Workers; i++ {
		go worker(ctx, cfg, svc, scanner, log, fileCh)
	}

	for _, name := range listReceiptFiles(cfg.Dir) {
		fileCh <- name
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(cfg.Dir); err != nil {
		return err
	}
	log.Info().Str("dir", cfg.Dir).Msg("watching for receipts (debounced)")

	// simple debounce map of pending files
	pending := map[string]time.Time{}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				name := filepath.Base(ev.Name)
				if !isSupportedExt(name) {
					continue
				}
				pending[name] = time.Now()
			}
		case <-ticker.C:
			now := time.Now()
			for name, t := range pending {
				if now.Sub(t) > 300*time.Millisecond { // stable
					fileCh <- name
					delete(pending, name)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")
		}
	}
}

func listReceiptFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isSupportedExt(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func worker(ctx context.Context, cfg Config, svc *ledger.Service, scanner *extract.Client, log zerolog.Logger, fileCh <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-fileCh:
			if !ok {
				return
			}
			full := filepath.Join(cfg.Dir, name)
			if err := processFile(ctx, cfg, svc, scanner, full); err != nil {
				log.Warn().Err(err).Str("file", name).Msg("receipt ingestion failed")
				_ = os.Rename(full, full+".failed")
				continue
			}
			log.Info().Str("file", name).Msg("receipt ingested")
			_ = os.Rename(full, full+".done")
		}
	}
}

func processFile(ctx context.Context, cfg Config, svc *ledger.Service, scanner *extract.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	mimeType := mimeByExt[strings.ToLower(filepath.Ext(path))]
	data, mimeType, err = extract.PrepareImage(data, mimeType)
	if err != nil {
		return err
	}
	rec, err := scanner.ScanReceipt(ctx, data, mimeType)
	if err != nil {
		return err
	}
	draft, err := normalize.Sanitize(rec)
	if err != nil {
		return err
	}
	_, err = svc.Create(ctx, ledger.Identity{Authenticated: true, ExternalID: cfg.Username}, ledger.Draft{
		AccountID:   cfg.AccountID,
		Type:        models.TransactionExpense,
		Amount:      draft.Amount,
		Date:        draft.Date,
		Category:    draft.Category,
		Description: draft.Description,
		Merchant:    draft.Merchant,
	})
	return err
}
