package ml

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"recordlink/logging"
)

// LoadModel builds a ready model from a persisted weight artifact.
func LoadModel(modelType, path string, config ClassifierConfig, extractor *FeatureExtractor) (Model, error) {
	switch modelType {
	case LogisticModelType, "logistic":
		weights, err := LoadWeightsFile(path)
		if err != nil {
			return nil, err
		}
		classifier, err := NewLogisticClassifier(config, extractor)
		if err != nil {
			return nil, err
		}
		if err := classifier.LoadWeights(weights); err != nil {
			return nil, err
		}
		return classifier, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
}

// WeightsWatcher hot-reloads a weight artifact when the file changes. A
// rewrite that fails validation is logged and ignored, leaving the running
// model on its previous weights.
//
// Reloading mutates the classifier; per the classifier's precondition the
// watcher is meant for serving setups that tolerate a reload between
// predictions, not during a burst of concurrent ones.
type WeightsWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchWeights watches the directory containing path, since most writers
// replace the file rather than write in place.
func WatchWeights(path string, classifier *LogisticClassifier) (*WeightsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	w := &WeightsWatcher{watcher: watcher, done: make(chan struct{})}
	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				weights, err := LoadWeightsFile(path)
				if err != nil {
					logging.Warnf("weights reload skipped, unreadable file %s: %v", path, err)
					continue
				}
				if err := classifier.LoadWeights(weights); err != nil {
					logging.Warnf("weights reload rejected for %s: %v", path, err)
					continue
				}
				logging.Infof("reloaded model weights from %s (%d features)", path, len(weights.Weights))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warnf("weights watcher error: %v", err)
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

// Close stops watching.
func (w *WeightsWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
