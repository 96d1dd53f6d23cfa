package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"efiscan/internal/image"
)

// settle is how long a file must stay unchanged before it is analyzed.
const settle = 500 * time.Millisecond

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addCommonFlags(fs)
	outDir := fs.String("out", "out", "output directory")
	existing := fs.Bool("existing", false, "analyze modules already in the directory first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: efiscan watch [flags] <dir>")
	}
	dir := fs.Arg(0)

	s, err := cf.session()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	w := &dirWatcher{s: s, outDir: *outDir, pending: make(map[string]time.Time)}
	if *existing {
		units, err := dirUnits(dir)
		if err != nil {
			return err
		}
		for _, u := range units {
			w.run(u.source)
		}
	}
	fmt.Fprintf(os.Stderr, "watching %s\n", dir)
	return w.loop(ctx, watcher.Events, watcher.Errors)
}

// dirWatcher analyzes files once their write events have settled.
type dirWatcher struct {
	s       *session
	outDir  string
	pending map[string]time.Time
}

func (w *dirWatcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	tick := time.NewTicker(settle / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.pending[ev.Name] = time.Now()
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				delete(w.pending, ev.Name)
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.s.log.Error(err, "watch")
		case now := <-tick.C:
			for _, path := range w.due(now) {
				w.run(path)
			}
		}
	}
}

// due removes and returns the pending paths quiet for at least settle.
func (w *dirWatcher) due(now time.Time) []string {
	var out []string
	for path, last := range w.pending {
		if now.Sub(last) >= settle {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	return out
}

func (w *dirWatcher) run(path string) {
	if !isModule(path) {
		return
	}
	img, err := image.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return
	}
	dir := filepath.Join(w.outDir, outName(filepath.Base(path), map[string]int{}))
	rep, err := w.s.analyze(img, dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s -> %s\n", rep.Summary(), dir)
}
