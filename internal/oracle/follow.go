// internal/oracle/follow.go
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// Follow tails the known-errors file and merges signatures appended by other
// processes until ctx is done. Lines after the learned section marker merge
// as learned signatures. Polling is used instead of inotify so the
// watcher goroutines stop with the tail.
func (o *Oracle) Follow(ctx context.Context) error {
	if o.errorsFile == "" {
		return errors.New("oracle has no known-errors file to follow")
	}

	t, err := tail.TailFile(o.errorsFile, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("%w: tailing known-errors file: %v", ErrOracleIO, err)
	}
	defer t.Cleanup()

	o.logger.Debug("Following known-errors file", zap.String("path", o.errorsFile))
	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				o.logger.Warn("Tail error on known-errors file", zap.Error(line.Err))
				continue
			}
			sig := normalizeSignature(line.Text)
			if sig == "" {
				continue
			}
			if sig[0] == '#' {
				if isLearnedMarker(sig) {
					o.mu.Lock()
					o.learnedSection = true
					o.mu.Unlock()
				}
				continue
			}
			o.mu.Lock()
			added := o.merge([]string{sig}, o.learnedSection)
			o.mu.Unlock()
			if added > 0 {
				o.logger.Info("Merged externally added error signature", zap.String("signature", sig))
			}
		}
	}
}
