package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 处理收件箱中出现的 APK
type FileHandler func(ctx context.Context, filePath string) error

// Options 收件箱参数
type Options struct {
	Pattern      string        // 文件名通配符，如 "*.apk"
	Settle       time.Duration // 最后一次写事件之后的静默时间
	ScanExisting bool          // 启动时处理已有文件
}

// Inbox 监听目录，新文件写入完成后交给 handler
type Inbox struct {
	watcher *fsnotify.Watcher
	dir     string
	opts    Options
	handler FileHandler
	logger  *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewInbox 创建目录监听器，目录不存在时自动创建
func NewInbox(dir string, opts Options, handler FileHandler, logger *logrus.Logger) (*Inbox, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.apk"
	}
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	if _, err := filepath.Match(opts.Pattern, "probe"); err != nil {
		return nil, fmt.Errorf("invalid inbox pattern %q: %w", opts.Pattern, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger.WithFields(logrus.Fields{
		"inbox":   dir,
		"pattern": opts.Pattern,
	}).Info("Inbox watcher created")

	return &Inbox{
		watcher:    w,
		dir:        dir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (in *Inbox) Start(ctx context.Context) error {
	if in.opts.ScanExisting {
		entries, err := os.ReadDir(in.dir)
		if err != nil {
			return fmt.Errorf("scan inbox: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() && in.matches(e.Name()) {
				in.schedule(ctx, filepath.Join(in.dir, e.Name()))
			}
		}
	}

	go in.eventLoop(ctx)
	in.logger.Info("Inbox watcher started")
	return nil
}

func (in *Inbox) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.stopChan:
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !in.matches(filepath.Base(event.Name)) {
				continue
			}
			in.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("Inbox event")
			in.schedule(ctx, event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.WithError(err).Error("Inbox watcher error")
		}
	}
}

// schedule 防抖：同一文件在静默期内的多次事件只触发一次
func (in *Inbox) schedule(ctx context.Context, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if t, ok := in.timers[path]; ok {
		t.Stop()
	}
	in.timers[path] = time.AfterFunc(in.opts.Settle, func() {
		in.mu.Lock()
		delete(in.timers, path)
		if in.processing[path] || in.stopped() {
			in.mu.Unlock()
			return
		}
		in.processing[path] = true
		in.wg.Add(1)
		in.mu.Unlock()

		defer func() {
			in.mu.Lock()
			delete(in.processing, path)
			in.mu.Unlock()
			in.wg.Done()
		}()
		in.handle(ctx, path)
	})
}

func (in *Inbox) stopped() bool {
	select {
	case <-in.stopChan:
		return true
	default:
		return false
	}
}

func (in *Inbox) handle(ctx context.Context, path string) {
	log := in.logger.WithField("file", path)

	info, err := os.Stat(path)
	if err != nil {
		log.WithError(err).Debug("Inbox file vanished before processing")
		return
	}
	if info.Size() == 0 {
		log.Warn("Skipping empty inbox file")
		return
	}

	log.Info("Processing inbox file")
	if err := in.handler(ctx, path); err != nil {
		log.WithError(err).Error("Failed to process inbox file")
		return
	}
	log.Info("Inbox file processed")
}

// matches 文件名通配符匹配，不区分大小写
func (in *Inbox) matches(name string) bool {
	ok, _ := filepath.Match(strings.ToLower(in.opts.Pattern), strings.ToLower(name))
	return ok
}

// Stop 停止监听并等待进行中的处理完成
func (in *Inbox) Stop() error {
	var err error
	in.stopOnce.Do(func() {
		in.logger.Info("Stopping inbox watcher")
		close(in.stopChan)

		in.mu.Lock()
		for p, t := range in.timers {
			t.Stop()
			delete(in.timers, p)
		}
		in.mu.Unlock()

		err = in.watcher.Close()
		in.wg.Wait()
	})
	return err
}

// Dir 监听目录
func (in *Inbox) Dir() string {
	return in.dir
}
