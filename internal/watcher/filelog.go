package watcher

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/argus-tools/argus/internal/common/argushome"
	"github.com/argus-tools/argus/pkg/types"
)

// fileLog mirrors every captured event into a JSONL file under the logs
// artifact dir. A new segment starts on every top-frame navigation so a
// segment maps onto one page view; lumberjack caps segment size as a
// backstop against pathological consoles.
type fileLog struct {
	id     string
	logger *zap.Logger

	mu  sync.Mutex
	seq int
	lj  *lumberjack.Logger
}

func newFileLog(id string, logger *zap.Logger) *fileLog {
	fl := &fileLog{id: id, logger: logger}
	fl.mu.Lock()
	fl.openLocked()
	fl.mu.Unlock()
	return fl
}

// openLocked points the writer at the next segment. Failures leave the
// writer nil; capture continues in-memory only.
func (fl *fileLog) openLocked() {
	path, err := argushome.WatcherLogFile(fl.id, time.Now(), fl.seq)
	if err != nil {
		fl.logger.Warn("File log unavailable", zap.Error(err))
		fl.lj = nil
		return
	}
	fl.lj = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 3,
	}
}

func (fl *fileLog) Append(ev *types.LogEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.lj == nil {
		return
	}
	fl.lj.Write(append(data, '\n'))
}

// Rotate starts a new segment; called on top-frame navigation.
func (fl *fileLog) Rotate() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.lj != nil {
		fl.lj.Close()
	}
	fl.seq++
	fl.openLocked()
}

func (fl *fileLog) Close() {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.lj != nil {
		fl.lj.Close()
		fl.lj = nil
	}
}
